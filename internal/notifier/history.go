package notifier

import "time"

// Snapshot returns the delivery history, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(channel, text string) {
	s.mu.Lock()
	keep := s.cfg.HistorySize
	s.mu.Unlock()
	if keep <= 0 {
		keep = 300
	}

	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Channel: channel, Text: text})
	if n := len(s.history); n > keep {
		// Reslice through a copy so the old backing array can be freed.
		s.history = append(s.history[:0:0], s.history[n-keep:]...)
	}
	s.hmu.Unlock()
}
