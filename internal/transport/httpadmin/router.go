package httpadmin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"signbot/internal/config"
	"signbot/internal/cookie"
	"signbot/internal/keepalive"
	"signbot/internal/notifier"
	"signbot/internal/observability/metrics"
	rtsup "signbot/internal/runtime/supervisor"
	"signbot/internal/storage"
	"signbot/internal/task"
	"signbot/pkg/logx"
)

// TaskService is the slice of the scheduler the API needs.
type TaskService interface {
	EnqueueNow(doc *config.Document, key string, now time.Time) (task.Task, error)
	Stats() task.Stats
	Snapshot() task.Snapshot
}

// KeepaliveService is the slice of the keepalive coordinator the API needs.
type KeepaliveService interface {
	RunSite(ctx context.Context, key string) error
	SyncAll(ctx context.Context) (int, error)
	Running(key string) bool
	SiteState(key string) keepalive.State
}

// NotifyHistory exposes recently sent notifications.
type NotifyHistory interface {
	Snapshot() []notifier.HistoryItem
}

// Options carries the collaborators the handlers read from. Any field may
// be nil; the corresponding response sections are simply omitted.
type Options struct {
	Store     *config.Store
	Tasks     TaskService
	Keepalive KeepaliveService
	Notify    NotifyHistory
	Audits    storage.Store
	Health    func() map[string]rtsup.SupervisorSnapshot
}

const (
	statusListLimit = 20
	requestTimeout  = 60 * time.Second
)

type handlers struct {
	opts Options
	log  logx.Logger
}

func newRouter(cfg Config, opts Options, log logx.Logger) http.Handler {
	h := &handlers{opts: opts, log: log}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(log))
	r.Use(recoverMiddleware(log))
	r.Use(timeoutMiddleware(requestTimeout))

	// Probe and scrape endpoints stay open; everything stateful sits
	// behind /api and, when credentials are configured, basic auth.
	r.Get("/healthz", h.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		if cfg.Username != "" {
			r.Use(basicAuthMiddleware(cfg.Username, cfg.Password))
		}
		r.Get("/status", h.status)
		r.Get("/sites", h.sites)
		r.Post("/sites/{key}/sign", h.triggerSign)
		r.Post("/sites/{key}/keepalive", h.triggerKeepalive)
		r.Post("/sync", h.triggerSync)
	})

	return r
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok"}
	if h.opts.Health != nil {
		resp["components"] = h.opts.Health()
	}
	writeJSON(w, http.StatusOK, resp)
}

type taskStatsDTO struct {
	Pending   int    `json:"pending"`
	Running   int    `json:"running"`
	Retrying  int    `json:"retrying"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Skipped   uint64 `json:"skipped"`
}

type keepaliveStatusDTO struct {
	Enabled    bool   `json:"enabled"`
	Method     string `json:"method,omitempty"`
	LastTime   string `json:"last_time,omitempty"`
	LastStatus string `json:"last_status,omitempty"`
	LastMsg    string `json:"last_message,omitempty"`
	NextRetry  string `json:"next_retry,omitempty"`
}

type siteStatusDTO struct {
	Key            string `json:"key"`
	Enabled        bool   `json:"enabled"`
	State          string `json:"state"`
	LastSignTime   string `json:"last_sign_time,omitempty"`
	LastSignStatus string `json:"last_sign_status,omitempty"`
	LastSignMsg    string `json:"last_sign_message,omitempty"`

	Keepalive *keepaliveStatusDTO `json:"keepalive,omitempty"`
}

type notificationDTO struct {
	At      time.Time `json:"at"`
	Channel string    `json:"channel"`
	Text    string    `json:"text"`
}

type auditDTO struct {
	At        time.Time `json:"at"`
	Site      string    `json:"site"`
	Kind      string    `json:"kind"`
	Success   bool      `json:"success"`
	Attempts  int       `json:"attempts"`
	Message   string    `json:"message,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	TookMS    int64     `json:"took_ms,omitempty"`
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"time": time.Now()}

	if h.opts.Tasks != nil {
		st := h.opts.Tasks.Stats()
		resp["tasks"] = taskStatsDTO{
			Pending:   st.Pending,
			Running:   st.Running,
			Retrying:  st.Retrying,
			Succeeded: st.Succeeded,
			Failed:    st.Failed,
			Skipped:   st.Skipped,
		}
	}

	if h.opts.Store != nil {
		doc, err := h.opts.Store.Load()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "config load failed")
			return
		}
		sites := make([]siteStatusDTO, 0, len(doc.Sites))
		for i := range doc.Sites {
			site := &doc.Sites[i]
			dto := siteStatusDTO{
				Key:            site.Key(),
				Enabled:        site.Enabled,
				State:          string(keepalive.StateIdle),
				LastSignTime:   site.LastSignTime,
				LastSignStatus: site.LastSignStatus,
				LastSignMsg:    site.LastSignMessage,
			}
			if h.opts.Keepalive != nil {
				dto.State = string(h.opts.Keepalive.SiteState(site.Key()))
			}
			if site.Keepalive.Enabled || site.Keepalive.LastTime != "" {
				dto.Keepalive = &keepaliveStatusDTO{
					Enabled:    site.Keepalive.Enabled,
					Method:     site.Keepalive.Method,
					LastTime:   site.Keepalive.LastTime,
					LastStatus: site.Keepalive.LastStatus,
					LastMsg:    site.Keepalive.LastMessage,
					NextRetry:  site.Keepalive.NextRetry,
				}
			}
			sites = append(sites, dto)
		}
		resp["sites"] = sites
	}

	if h.opts.Notify != nil {
		items := h.opts.Notify.Snapshot()
		if len(items) > statusListLimit {
			items = items[len(items)-statusListLimit:]
		}
		dtos := make([]notificationDTO, 0, len(items))
		for _, it := range items {
			dtos = append(dtos, notificationDTO{At: it.At, Channel: it.Channel, Text: it.Text})
		}
		resp["notifications"] = dtos
	}

	if h.opts.Audits != nil {
		entries, err := h.opts.Audits.RecentAudits(r.Context(), statusListLimit)
		if err != nil {
			h.log.Warn("audit read failed", logx.Err(err))
		} else {
			dtos := make([]auditDTO, 0, len(entries))
			for _, e := range entries {
				dtos = append(dtos, auditDTO{
					At:        e.At,
					Site:      e.Site,
					Kind:      e.Kind,
					Success:   e.Success,
					Attempts:  e.Attempts,
					Message:   e.Message,
					ErrorKind: e.ErrorKind,
					TookMS:    e.TookMS,
				})
			}
			resp["audits"] = dtos
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// cookieSummaryDTO describes a stored cookie without revealing it.
type cookieSummaryDTO struct {
	Present       bool      `json:"present"`
	Fields        int       `json:"fields,omitempty"`
	HasAuthMarker bool      `json:"has_auth_marker,omitempty"`
	Valid         bool      `json:"valid"`
	ExpiresAt     time.Time `json:"expires_at,omitzero"`
	Source        string    `json:"source,omitempty"`
}

type siteDTO struct {
	Key         string `json:"key"`
	Name        string `json:"name,omitempty"`
	Module      string `json:"module,omitempty"`
	URL         string `json:"url,omitempty"`
	Enabled     bool   `json:"enabled"`
	RunTime     string `json:"run_time,omitempty"`
	RandomRange int    `json:"random_range,omitempty"`
	Cron        string `json:"cron,omitempty"`

	Cookie    cookieSummaryDTO    `json:"cookie"`
	Keepalive *keepaliveStatusDTO `json:"keepalive,omitempty"`
}

func (h *handlers) sites(w http.ResponseWriter, _ *http.Request) {
	if h.opts.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "config store unavailable")
		return
	}
	doc, err := h.opts.Store.Load()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "config load failed")
		return
	}

	now := time.Now()
	sites := make([]siteDTO, 0, len(doc.Sites))
	for i := range doc.Sites {
		site := &doc.Sites[i]
		dto := siteDTO{
			Key:         site.Key(),
			Name:        site.Name,
			Module:      site.Module,
			URL:         site.URL,
			Enabled:     site.Enabled,
			RunTime:     site.RunTime,
			RandomRange: site.RandomRange,
			Cron:        site.Cron,
		}
		if site.Cookie != "" {
			v := cookie.AnalyzeRaw(site.Cookie, now)
			dto.Cookie = cookieSummaryDTO{
				Present:       true,
				Fields:        len(cookie.Parse(site.Cookie)),
				HasAuthMarker: v.HasAuthMarker,
				Valid:         v.Valid,
				ExpiresAt:     v.ExpiresAt,
				Source:        site.CookieMetadata.Source,
			}
		}
		if site.Keepalive.Enabled {
			dto.Keepalive = &keepaliveStatusDTO{
				Enabled: true,
				Method:  site.Keepalive.Method,
			}
		}
		sites = append(sites, dto)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sites": sites})
}

func (h *handlers) triggerSign(w http.ResponseWriter, r *http.Request) {
	if h.opts.Store == nil || h.opts.Tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	key := chi.URLParam(r, "key")
	doc, err := h.opts.Store.Load()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "config load failed")
		return
	}
	t, err := h.opts.Tasks.EnqueueNow(doc, key, time.Now())
	switch {
	case errors.Is(err, task.ErrUnknownSite):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, task.ErrSiteDisabled), errors.Is(err, task.ErrAlreadyQueued):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id":      t.ID,
		"scheduled_at": t.ScheduledAt,
	})
}

func (h *handlers) triggerKeepalive(w http.ResponseWriter, r *http.Request) {
	if h.opts.Store == nil || h.opts.Keepalive == nil {
		writeError(w, http.StatusServiceUnavailable, "keepalive unavailable")
		return
	}
	key := chi.URLParam(r, "key")
	doc, err := h.opts.Store.Load()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "config load failed")
		return
	}
	if doc.Site(key) == nil {
		writeError(w, http.StatusNotFound, "unknown site")
		return
	}
	if h.opts.Keepalive.Running(key) {
		writeError(w, http.StatusConflict, "refresh already running")
		return
	}

	// Refreshes replay a browser session and can take minutes; run them
	// detached from the request.
	ka := h.opts.Keepalive
	log := h.log
	go func() {
		if err := ka.RunSite(context.Background(), key); err != nil {
			log.Warn("manual keepalive failed", logx.String("site", key), logx.Err(err))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"site":  key,
		"state": string(keepalive.StateRefreshing),
	})
}

func (h *handlers) triggerSync(w http.ResponseWriter, r *http.Request) {
	if h.opts.Keepalive == nil {
		writeError(w, http.StatusServiceUnavailable, "keepalive unavailable")
		return
	}
	updated, err := h.opts.Keepalive.SyncAll(r.Context())
	switch {
	case errors.Is(err, keepalive.ErrCloudNotConfigured):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": updated})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			log.Debug("request completed",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.status),
				logx.Int64("duration_ms", time.Since(start).Milliseconds()),
				logx.String("request_id", requestIDFrom(r.Context())),
			)
		})
	}
}

func recoverMiddleware(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("handler panic", logx.Any("panic", rec), logx.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func basicAuthMiddleware(user, pass string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, p, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
				subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
				w.Header().Set("WWW-Authenticate", `Basic realm="signbot"`)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
