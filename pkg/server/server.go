// Package server exposes a detect.Engine over HTTP.
//
// Routes:
//
//	POST /v1/detect?filename=..&hint=true|false&explain=true   classify the request body
//	GET  /v1/types                                            list declared types
//	GET  /v1/types/{category}/{subtype}                       describe one type
//	POST /v1/reload                                           re-read the configured rule set
//	GET  /v1/journal?mediaType=..&method=..&limit=..&offset=..
//	GET  /v1/journal/stats
//	GET  /v1/status
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/grokify/mogo/log/slogutil"

	"github.com/grokify/mediasniff/pkg/backend"
	"github.com/grokify/mediasniff/pkg/detect"
	"github.com/grokify/mediasniff/pkg/mediatype"
	"github.com/grokify/mediasniff/pkg/rules"
)

// JournalSource identifies HTTP service records in the detection journal.
const JournalSource = "http"

const (
	defaultJournalLimit = 100
	maxJournalLimit     = 1000
)

// Config configures the HTTP service.
type Config struct {
	// Engine classifies request bodies (default: detect.Default()).
	Engine *detect.Engine
	// UseFilenameHint is the default when a request omits ?hint=
	UseFilenameHint bool
	// MaxBodySize bounds request bodies; 0 means no limit
	MaxBodySize int64
	// Journal records each classification (optional). When it also
	// implements backend.ResultQuerier the journal routes are served.
	Journal backend.ResultStore
	// Logger defaults to a null logger
	Logger *slog.Logger
}

// Server handles detection requests.
type Server struct {
	engine    *detect.Engine
	useHint   bool
	maxBody   int64
	journal   backend.ResultStore
	querier   backend.ResultQuerier
	logger    *slog.Logger
	startedAt time.Time
	mux       *http.ServeMux
}

// New creates a Server.
func New(cfg Config) *Server {
	s := &Server{
		engine:    cfg.Engine,
		useHint:   cfg.UseFilenameHint,
		maxBody:   cfg.MaxBodySize,
		journal:   cfg.Journal,
		logger:    cfg.Logger,
		startedAt: time.Now(),
		mux:       http.NewServeMux(),
	}
	if s.engine == nil {
		s.engine = detect.Default()
	}
	if s.journal == nil {
		s.journal = backend.DiscardResultStore{}
	}
	if q, ok := s.journal.(backend.ResultQuerier); ok {
		s.querier = q
	}
	if s.logger == nil {
		s.logger = slogutil.Null()
	}

	s.mux.HandleFunc("POST /v1/detect", s.handleDetect)
	s.mux.HandleFunc("GET /v1/types", s.handleTypes)
	s.mux.HandleFunc("GET /v1/types/{category}/{subtype}", s.handleType)
	s.mux.HandleFunc("POST /v1/reload", s.handleReload)
	s.mux.HandleFunc("GET /v1/journal", s.handleJournal)
	s.mux.HandleFunc("GET /v1/journal/stats", s.handleJournalStats)
	s.mux.HandleFunc("GET /v1/status", s.handleStatus)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Rule  string `json:"rule,omitempty"`
}

// DetectResponse is the body of a successful POST /v1/detect.
type DetectResponse struct {
	MediaType   string            `json:"mediaType"`
	Extension   string            `json:"extension"`
	Method      detect.Method     `json:"method"`
	Rule        string            `json:"rule,omitempty"`
	Ancestors   []string          `json:"ancestors"`
	Size        int               `json:"size"`
	Fingerprint string            `json:"fingerprint"`
	Signatures  []rules.Candidate `json:"signatures,omitempty"`
	Hints       []rules.Candidate `json:"hints,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an error to a status code.
func writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}
	code := http.StatusInternalServerError

	var cfgErr *rules.ConfigError
	switch {
	case errors.As(err, &cfgErr):
		resp.Rule = cfgErr.Rule
		code = http.StatusServiceUnavailable
	case errors.Is(err, rules.ErrConfig), errors.Is(err, rules.ErrConflictingSources), errors.Is(err, detect.ErrNotConfigured):
		code = http.StatusServiceUnavailable
	case errors.Is(err, detect.ErrRead):
		code = http.StatusBadRequest
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			code = http.StatusRequestEntityTooLarge
		}
	}
	writeJSON(w, code, resp)
}

func boolParam(r *http.Request, name string, def bool) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.ParseBool(v)
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	useHint, err := boolParam(r, "hint", s.useHint)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid hint parameter"})
		return
	}
	explain, err := boolParam(r, "explain", false)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid explain parameter"})
		return
	}
	filename := r.URL.Query().Get("filename")

	d, err := s.engine.Detector()
	if err != nil {
		writeError(w, err)
		return
	}

	body := r.Body
	if s.maxBody > 0 {
		body = http.MaxBytesReader(w, r.Body, s.maxBody)
	}

	start := time.Now()
	res, err := d.DetectContext(r.Context(), body, filename, useHint)
	if err != nil {
		s.logger.Warn("detect request failed", "error", err)
		writeError(w, err)
		return
	}
	elapsed := time.Since(start)

	fingerprint := d.Repository().Fingerprint()
	rec := backend.NewRecord(JournalSource, filename, fingerprint, res, start, elapsed)
	if err := s.journal.Store(context.WithoutCancel(r.Context()), rec); err != nil {
		s.logger.Warn("journal store failed", "error", err)
	}

	resp := DetectResponse{
		MediaType:   res.MediaType.String(),
		Extension:   res.Extension,
		Method:      res.Method,
		Rule:        res.Rule,
		Ancestors:   make([]string, len(res.Ancestors)),
		Size:        res.Size,
		Fingerprint: fingerprint,
	}
	for i, a := range res.Ancestors {
		resp.Ancestors[i] = a.String()
	}
	if explain {
		resp.Signatures, resp.Hints = res.Signatures, res.Hints
	}
	writeJSON(w, http.StatusOK, resp)
}

// TypesResponse lists the active repository.
type TypesResponse struct {
	Source      string           `json:"source"`
	Fingerprint string           `json:"fingerprint"`
	Types       []rules.TypeInfo `json:"types"`
}

func (s *Server) handleTypes(w http.ResponseWriter, r *http.Request) {
	d, src, err := s.engine.Current()
	if err != nil {
		writeError(w, err)
		return
	}
	repo := d.Repository()
	resp := TypesResponse{
		Source:      src.String(),
		Fingerprint: repo.Fingerprint(),
		Types:       make([]rules.TypeInfo, 0, repo.Len()),
	}
	for _, mt := range repo.Types() {
		if info, ok := repo.Describe(mt); ok {
			resp.Types = append(resp.Types, info)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// TypeResponse describes one type, resolved through aliases.
type TypeResponse struct {
	rules.TypeInfo
	Ancestors []mediatype.MediaType `json:"ancestors"`
	Preferred string                `json:"preferredExtension"`
}

func (s *Server) handleType(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.Detector()
	if err != nil {
		writeError(w, err)
		return
	}
	mt, err := mediatype.New(r.PathValue("category"), r.PathValue("subtype"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	repo := d.Repository()
	info, ok := repo.Describe(mt)
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "unknown media type " + mt.String()})
		return
	}
	writeJSON(w, http.StatusOK, TypeResponse{
		TypeInfo:  info,
		Ancestors: repo.Ancestors(info.Type),
		Preferred: detect.ExtensionFor(repo, info.Type),
	})
}

// ReloadResponse reports the repository in service after a reload.
type ReloadResponse struct {
	Status      string `json:"status"`
	Source      string `json:"source"`
	Fingerprint string `json:"fingerprint"`
	Types       int    `json:"types"`
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Reload(r.Context()); err != nil {
		// The previous repository stays in service.
		resp := ErrorResponse{Error: err.Error()}
		var cfgErr *rules.ConfigError
		if errors.As(err, &cfgErr) {
			resp.Rule = cfgErr.Rule
		}
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	d, src, err := s.engine.Current()
	if err != nil {
		writeError(w, err)
		return
	}
	repo := d.Repository()
	writeJSON(w, http.StatusOK, ReloadResponse{
		Status:      "reloaded",
		Source:      src.String(),
		Fingerprint: repo.Fingerprint(),
		Types:       repo.Len(),
	})
}

// JournalResponse is a page of journal records.
type JournalResponse struct {
	Records []*backend.Record `json:"records"`
	Total   int64             `json:"total"`
	Limit   int               `json:"limit"`
	Offset  int               `json:"offset"`
}

func journalFilter(r *http.Request) *backend.ResultFilter {
	q := r.URL.Query()
	filter := &backend.ResultFilter{Limit: defaultJournalLimit}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 && limit <= maxJournalLimit {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil && offset >= 0 {
		filter.Offset = offset
	}
	filter.MediaTypes = q["mediaType"]
	filter.Methods = q["method"]
	filter.Sources = q["source"]
	if since, err := time.Parse(time.RFC3339, q.Get("since")); err == nil {
		filter.StartTime = since
	}
	if until, err := time.Parse(time.RFC3339, q.Get("until")); err == nil {
		filter.EndTime = until
	}
	return filter
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.querier == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "journal querying not available"})
		return
	}
	filter := journalFilter(r)
	records, err := s.querier.Query(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	countFilter := *filter
	countFilter.Limit, countFilter.Offset = 0, 0
	total, err := s.querier.Count(r.Context(), &countFilter)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []*backend.Record{}
	}
	writeJSON(w, http.StatusOK, JournalResponse{
		Records: records,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	})
}

func (s *Server) handleJournalStats(w http.ResponseWriter, r *http.Request) {
	if s.querier == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "journal querying not available"})
		return
	}
	filter := journalFilter(r)
	filter.Limit, filter.Offset = 0, 0
	stats, err := s.querier.Stats(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Status reports the service state.
type Status struct {
	Ready       bool   `json:"ready"`
	Error       string `json:"error,omitempty"`
	Source      string `json:"source"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Types       int    `json:"types"`
	Uptime      string `json:"uptime"`
	Journal     bool   `json:"journal"`
}

// Status returns the current service state.
func (s *Server) Status() Status {
	d, src, err := s.engine.Current()
	st := Status{
		Source:  src.String(),
		Uptime:  time.Since(s.startedAt).Round(time.Second).String(),
		Journal: s.querier != nil,
	}
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.Ready = true
	st.Fingerprint = d.Repository().Fingerprint()
	st.Types = d.Repository().Len()
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

// ListenAndServe starts the service on addr.
func (s *Server) ListenAndServe(addr string, wrap func(http.Handler) http.Handler) error {
	var h http.Handler = s
	if wrap != nil {
		h = wrap(h)
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("detection service listening", "addr", addr)
	return server.ListenAndServe()
}
