// Package server exposes an audit log over HTTP for `auditchain serve`.
//
// Routes:
//
//	POST /api/v1/events   record an event; request metadata is captured
//	GET  /api/v1/entries  query entries (start, end, event_type, user_id, source, limit)
//	GET  /api/v1/verify   verify a range (start, end, source)
//	GET  /api/v1/report   compliance report (start, end, format)
//	GET  /api/v1/stream   WebSocket feed of committed entries
//	GET  /healthz         chain status
//	GET  /metrics         Prometheus metrics
//
// Range bounds accept RFC 3339 times, UTC days (2006-01-02), or durations
// before now (24h).
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shelfwise/auditchain/internal/audit"
)

const maxEventBody = 1 << 20

// Options holds the dependencies injected into the server.
type Options struct {
	Log     *audit.Log
	Addr    string // listen address, host:port
	Version string
}

// Server serves the audit HTTP API.
type Server struct {
	log         *audit.Log
	hub         *wsHub
	srv         *http.Server
	version     string
	unsubscribe func()
	now         func() time.Time
}

// New builds a server and subscribes its live feed to the log.
func New(opts Options) *Server {
	s := &Server{
		log:     opts.Log,
		hub:     newWSHub(),
		version: opts.Version,
		now:     time.Now,
	}
	go s.hub.run()
	s.unsubscribe = opts.Log.Subscribe(s.broadcastEntry)

	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Router returns the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events", s.handleRecord)
		r.Get("/entries", s.handleEntries)
		r.Get("/verify", s.handleVerify)
		r.Get("/report", s.handleReport)
		r.Get("/stream", s.handleStream)
	})
	return r
}

// ListenAndServe serves until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) ListenAndServe() error {
	slog.Info("audit server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving on %s: %w", s.srv.Addr, err)
	}
	return nil
}

// Shutdown stops accepting requests, disconnects stream clients, and waits
// for in-flight requests up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.unsubscribe()
	s.hub.stop()
	return s.srv.Shutdown(ctx)
}

// broadcastEntry feeds the live stream. Sensitive details are withheld;
// clients fetch them through /api/v1/entries.
func (s *Server) broadcastEntry(e *audit.Entry) {
	if e.Encrypted {
		e.Details = nil
		e.EncryptedData = nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("failed to marshal stream entry", "sequence", e.Sequence, "error", err)
		return
	}
	s.hub.broadcast(data)
}

// --- Handlers ---

// handleHealth reports the chain status.
// GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.log.Status()
	st := s.log.ChainState()
	code := http.StatusOK
	if status != audit.ChainReady {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":   status.String(),
		"sequence": st.Sequence,
		"version":  s.version,
	})
}

type recordRequest struct {
	EventType string         `json:"event_type"`
	Severity  string         `json:"severity"`
	Details   map[string]any `json:"details"`
	UserID    string         `json:"user_id"`
}

// handleRecord appends an event.
// POST /api/v1/events  {"event_type": "...", "severity": "high", "details": {...}, "user_id": "..."}
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return
	}

	entry, err := s.log.Record(r.Context(), audit.RecordInput{
		EventType: req.EventType,
		Severity:  audit.Severity(req.Severity),
		Details:   req.Details,
		UserID:    req.UserID,
		Request:   requestInfo(r),
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// handleEntries queries entries; limit keeps the most recent n.
// GET /api/v1/entries?start=24h&event_type=login&user_id=u1&source=log&limit=50
func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	q, err := s.parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
	}

	res, err := s.log.Query(r.Context(), q)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	entries := res.Entries
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	if entries == nil {
		entries = []*audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":  entries,
		"warnings": res.Warnings,
		"source":   res.Source,
	})
}

// handleVerify verifies a range. Failures are reported in the body with
// status 200.
// GET /api/v1/verify?start=2026-03-01&end=2026-03-02
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	q, err := s.parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	vr, err := s.log.VerifyQuery(r.Context(), q)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, vr)
}

// handleReport renders a report.
// GET /api/v1/report?start=168h&format=csv
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	q, err := s.parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	formatName := r.URL.Query().Get("format")
	if formatName == "" {
		formatName = string(audit.FormatJSON)
	}
	format, err := audit.ParseReportFormat(formatName)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	report, err := s.log.GenerateReport(r.Context(), q.Start, q.End, format)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	switch format {
	case audit.FormatCSV:
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="audit-report.csv"`)
	default:
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	if err := report.Render(w); err != nil {
		slog.Error("rendering report", "format", format, "error", err)
	}
}

// --- Helpers ---

func (s *Server) parseQuery(r *http.Request) (audit.Query, error) {
	v := r.URL.Query()
	now := s.now()

	start, err := audit.ParseTimeBound(v.Get("start"), now, false)
	if err != nil {
		return audit.Query{}, err
	}
	end, err := audit.ParseTimeBound(v.Get("end"), now, true)
	if err != nil {
		return audit.Query{}, err
	}
	source, err := audit.ParseSource(v.Get("source"))
	if err != nil {
		return audit.Query{}, err
	}
	return audit.Query{
		Start:     start,
		End:       end,
		EventType: v.Get("event_type"),
		UserID:    v.Get("user_id"),
		Source:    source,
	}, nil
}

// requestInfo captures the caller's request metadata. Header redaction
// happens in the log.
func requestInfo(r *http.Request) *audit.RequestInfo {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}
	return &audit.RequestInfo{
		IP:        ip,
		UserAgent: r.UserAgent(),
		Method:    r.Method,
		URL:       r.URL.String(),
		Headers:   headers,
	}
}

// statusFor maps audit errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, audit.ErrInvalidEvent),
		errors.Is(err, audit.ErrInvalidSeverity),
		errors.Is(err, audit.ErrInvalidRange):
		return http.StatusBadRequest
	case errors.Is(err, audit.ErrServiceNotInitialized):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		slog.Error("audit api request failed", "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: status})
}

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// requestLogger logs each request at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
