// Package logx is the thin zerolog wrapper the rest of signbot logs
// through. One Service owns every sink: readable console output, a
// daily-rotated JSON file, and an optional rate-limited Telegram
// forwarder. Loggers handed out before a config reload keep working
// because Apply swaps the sink set underneath them.
package logx
