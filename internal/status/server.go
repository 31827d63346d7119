// Package status serves the operational HTTP surface: health, session and
// queue state, Prometheus metrics, EPG enqueueing, recording management and
// stream redirects.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/snapetech/teleboy-pvr/internal/epg"
	"github.com/snapetech/teleboy-pvr/internal/session"
	"github.com/snapetech/teleboy-pvr/internal/teleboy"
)

const requestTimeout = 30 * time.Second

// Queue is the scheduler surface the server uses.
type Queue interface {
	Enqueue(item epg.WorkItem)
	QueueLen() int
	NextDeadline() time.Time
	TriggerRefresh()
}

// Guide is the domain API surface the server uses.
type Guide interface {
	Channels() []epg.Channel
	Channel(id int) (epg.Channel, bool)
	Snapshot() ([]teleboy.Timer, []teleboy.Recording, time.Time)
	AddTimer(ctx context.Context, broadcastID int64) error
	DeleteTimer(ctx context.Context, id int64) error
	DeleteRecording(ctx context.Context, id int64) error
	LiveStreamURL(ctx context.Context, channelID int) (string, error)
	RecordingStreamURL(ctx context.Context, recordingID int64) (string, error)
	ReplayStreamURL(ctx context.Context, broadcastID int64) (string, error)
	IsPlayable(b epg.Broadcast) bool
	IsRecordable(b epg.Broadcast) bool
}

// Broadcasts looks up stored guide entries.
type Broadcasts interface {
	Broadcast(ctx context.Context, id int64) (epg.Broadcast, bool, error)
}

// CacheStats reports the response cache size.
type CacheStats interface {
	Stats() (entries int, size int64)
}

// Deps are the collaborators behind the routes. Metrics, XMLTV and Cache may
// be nil. Without Broadcasts, replay is unavailable and timers are not
// checked before they are sent upstream.
type Deps struct {
	Session    *session.State
	Queue      Queue
	Guide      Guide
	Broadcasts Broadcasts
	Cache      CacheStats
	Metrics    http.Handler
	XMLTV      http.Handler
	Now        func() time.Time
}

type Server struct {
	log  zerolog.Logger
	deps Deps
}

func NewServer(log zerolog.Logger, deps Deps) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Server{log: log.With().Str("component", "status").Logger(), deps: deps}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(hlog.NewHandler(s.log))
	r.Use(hlog.RequestIDHandler("request_id", "Request-Id"))
	r.Use(hlog.RemoteAddrHandler("remote_ip"))
	r.Use(hlog.AccessHandler(accessLog))

	r.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics)
	}
	if s.deps.XMLTV != nil {
		r.Handle("/guide.xml", s.deps.XMLTV)
	}
	r.Get("/stream/live/{channel}", s.handleLiveStream)
	r.Get("/stream/recording/{id}", s.handleRecordingStream)
	r.Get("/stream/replay/{broadcast}", s.handleReplayStream)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		r.Get("/status", s.handleStatus)
		r.Get("/channels", s.handleChannels)
		r.Post("/epg/{channel}", s.handleEnqueue)
		r.Get("/recordings", s.handleRecordings)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/timers", s.handleAddTimer)
		r.Delete("/timers/{id}", s.handleDeleteTimer)
		r.Delete("/recordings/{id}", s.handleDeleteRecording)
	})
	return r
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}

	serverErr := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("status server listening")
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("status server shutdown")
		}
		<-serverErr
		return nil
	}
}

func accessLog(r *http.Request, status, size int, d time.Duration) {
	hlog.FromRequest(r).Debug().
		Int("status", status).
		Int("size", size).
		Dur("duration", d).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Msg("http")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := "ok"
	if !s.deps.Session.IsConnected() {
		state = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": state})
}

type sessionStatus struct {
	State            string     `json:"state"`
	Tier             string     `json:"tier"`
	UserID           string     `json:"user_id,omitempty"`
	HasCookie        bool       `json:"has_cookie"`
	ConnectedAt      *time.Time `json:"connected_at,omitempty"`
	NextLoginAttempt *time.Time `json:"next_login_attempt,omitempty"`
}

type statusResponse struct {
	Session       sessionStatus `json:"session"`
	QueueLength   int           `json:"queue_length"`
	NextRefresh   *time.Time    `json:"next_refresh,omitempty"`
	CacheEntries  int           `json:"cache_entries"`
	CacheSize     string        `json:"cache_size"`
	LastRefreshed *time.Time    `json:"last_refreshed,omitempty"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Session.Snapshot()
	resp := statusResponse{
		Session: sessionStatus{
			State:            snap.State.String(),
			Tier:             snap.Tier.String(),
			UserID:           snap.UserID,
			HasCookie:        snap.Cookie != "",
			ConnectedAt:      timePtr(snap.ConnectedAt),
			NextLoginAttempt: timePtr(snap.NextLoginAttempt),
		},
		CacheSize: humanize.Bytes(0),
	}
	if s.deps.Queue != nil {
		resp.QueueLength = s.deps.Queue.QueueLen()
		resp.NextRefresh = timePtr(s.deps.Queue.NextDeadline())
	}
	if s.deps.Cache != nil {
		n, size := s.deps.Cache.Stats()
		resp.CacheEntries = n
		resp.CacheSize = humanize.Bytes(uint64(size))
	}
	if s.deps.Guide != nil {
		_, _, at := s.deps.Guide.Snapshot()
		resp.LastRefreshed = timePtr(at)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Guide.Channels())
}

// handleEnqueue queues an EPG fetch. Query: days (default 1, max 14) from today 00:00 UTC.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "channel"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid channel")
		return
	}
	if _, ok := s.deps.Guide.Channel(id); !ok {
		writeError(w, http.StatusNotFound, "unknown channel")
		return
	}
	days := 1
	if v := r.URL.Query().Get("days"); v != "" {
		days, err = strconv.Atoi(v)
		if err != nil || days < 1 || days > 14 {
			writeError(w, http.StatusBadRequest, "days must be 1..14")
			return
		}
	}
	start := s.deps.Now().UTC().Truncate(24 * time.Hour)
	item := epg.NewWorkItem(id, start, start.Add(time.Duration(days)*24*time.Hour))
	s.deps.Queue.Enqueue(item)
	hlog.FromRequest(r).Info().Str("job", item.ID).Stringer("item", item).Msg("epg job queued")
	writeJSON(w, http.StatusAccepted, map[string]any{"id": item.ID, "queue_length": s.deps.Queue.QueueLen()})
}

func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	timers, recs, at := s.deps.Guide.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"timers":     timers,
		"recordings": recs,
		"refreshed":  timePtr(at),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.deps.Queue.TriggerRefresh()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleAddTimer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Broadcast int64 `json:"broadcast"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil || req.Broadcast <= 0 {
		writeError(w, http.StatusBadRequest, "broadcast id required")
		return
	}
	// Broadcasts missing from the local guide are left to upstream to judge.
	b, ok, err := s.lookupBroadcast(r.Context(), req.Broadcast)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("broadcast lookup failed")
		writeError(w, http.StatusInternalServerError, "guide unavailable")
		return
	}
	if ok && !s.deps.Guide.IsRecordable(b) {
		writeError(w, http.StatusConflict, "broadcast can no longer be recorded")
		return
	}
	if err := s.deps.Guide.AddTimer(r.Context(), req.Broadcast); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("add timer failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleDeleteTimer(w http.ResponseWriter, r *http.Request) {
	s.deleteByID(w, r, s.deps.Guide.DeleteTimer)
}

func (s *Server) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	s.deleteByID(w, r, s.deps.Guide.DeleteRecording)
}

func (s *Server) deleteByID(w http.ResponseWriter, r *http.Request, del func(context.Context, int64) error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := del(r.Context(), id); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Int64("id", id).Msg("delete failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stream routes redirect to the resolved manifest. Segment URLs in DASH
// manifests are relative, so the player must talk to the CDN directly.
func (s *Server) handleLiveStream(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "channel"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid channel")
		return
	}
	s.redirectStream(w, r, func(ctx context.Context) (string, error) { return s.deps.Guide.LiveStreamURL(ctx, id) })
}

func (s *Server) handleRecordingStream(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	s.redirectStream(w, r, func(ctx context.Context) (string, error) { return s.deps.Guide.RecordingStreamURL(ctx, id) })
}

func (s *Server) handleReplayStream(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "broadcast"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid broadcast")
		return
	}
	if !s.deps.Session.IsConnected() {
		writeError(w, http.StatusServiceUnavailable, "not connected")
		return
	}
	b, ok, err := s.lookupBroadcast(r.Context(), id)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("broadcast lookup failed")
		writeError(w, http.StatusInternalServerError, "guide unavailable")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown broadcast")
		return
	}
	if !s.deps.Guide.IsPlayable(b) {
		writeError(w, http.StatusConflict, "broadcast not playable")
		return
	}
	s.redirectStream(w, r, func(ctx context.Context) (string, error) { return s.deps.Guide.ReplayStreamURL(ctx, id) })
}

func (s *Server) lookupBroadcast(ctx context.Context, id int64) (epg.Broadcast, bool, error) {
	if s.deps.Broadcasts == nil {
		return epg.Broadcast{}, false, nil
	}
	return s.deps.Broadcasts.Broadcast(ctx, id)
}

func (s *Server) redirectStream(w http.ResponseWriter, r *http.Request, resolve func(context.Context) (string, error)) {
	if !s.deps.Session.IsConnected() {
		writeError(w, http.StatusServiceUnavailable, "not connected")
		return
	}
	target, err := resolve(r.Context())
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("stream resolve failed")
		writeError(w, http.StatusBadGateway, "stream unavailable")
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}
