// Package api exposes batch triggering, scan results and competitive
// intelligence over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/intel"
	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/store"
)

const dateLayout = "2006-01-02"

// BatchRunner executes a batch that has already been created.
type BatchRunner interface {
	RunBatch(ctx context.Context, batch *model.ScanBatch) model.ScanBatchResult
}

// Server serves the HTTP surface. Triggered batches run in the background
// under the server's base context; Wait blocks until they finish.
type Server struct {
	store    store.Store
	runner   BatchRunner
	engine   *intel.Engine
	gatherer prometheus.Gatherer
	origins  []string
	baseCtx  context.Context
	now      func() time.Time
	wg       sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer serves gatherer's metrics on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithAllowedOrigins sets the CORS origins. Empty allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithBaseContext sets the context background batches run under.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) { s.baseCtx = ctx }
}

// WithClock overrides the clock used for default scan dates.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a Server.
func New(st store.Store, runner BatchRunner, engine *intel.Engine, opts ...Option) *Server {
	s := &Server{
		store:   st,
		runner:  runner,
		engine:  engine,
		baseCtx: context.Background(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Wait blocks until every background batch has returned.
func (s *Server) Wait() { s.wg.Wait() }

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/batches", func(r chi.Router) {
		r.Get("/", s.listBatches)
		r.Post("/", s.createBatch)
		r.Get("/{id}", s.getBatch)
		r.Get("/{id}/scans", s.listBatchScans)
	})
	r.Get("/scans/{id}/rows", s.listScanRows)

	r.Route("/intel/{domain}", func(r chi.Router) {
		r.Get("/", s.report)
		r.Get("/summary", s.summary)
		r.Get("/risk", s.risk)
		r.Get("/trend", s.trend)
		r.Get("/history", s.history)
		r.Post("/snapshots", s.recordSnapshot)
	})

	r.Route("/competitors", func(r chi.Router) {
		r.Get("/", s.listCompetitors)
		r.Post("/", s.addCompetitor)
		r.Delete("/{domain}", s.removeCompetitor)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createBatchRequest struct {
	EntityIDs []string `json:"entity_ids"`
	ScanDate  string   `json:"scan_date"`
}

func (s *Server) createBatch(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "batch scanning is not configured")
		return
	}
	var req createBatchRequest
	if !decode(w, r, &req) {
		return
	}

	day := s.now().UTC()
	if req.ScanDate != "" {
		d, err := time.Parse(dateLayout, req.ScanDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "scan_date must be YYYY-MM-DD")
			return
		}
		day = d
	}

	ids := req.EntityIDs
	if len(ids) == 0 {
		all, err := s.store.ListEntities(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		for _, e := range all {
			ids = append(ids, e.ID)
		}
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "no entities to scan")
		return
	}

	batch, err := s.store.CreateBatch(r.Context(), ids, day)
	if err != nil {
		s.fail(w, err)
		return
	}

	s.wg.Add(1)
	go func(b model.ScanBatch) {
		defer s.wg.Done()
		res := s.runner.RunBatch(s.baseCtx, &b)
		zap.L().Info("api: batch finished",
			zap.String("batch_id", b.ID),
			zap.Bool("success", res.Success),
			zap.Int("processed", res.ProcessedDealers),
			zap.Int("failed", res.FailedDealers),
		)
	}(*batch)

	writeJSON(w, http.StatusAccepted, batch)
}

func (s *Server) listBatches(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit")
	if !ok {
		return
	}
	batches, err := s.store.ListBatches(r.Context(), store.BatchFilter{
		Status: model.BatchStatus(r.URL.Query().Get("status")),
		Limit:  limit,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batches)
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.store.GetBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) listBatchScans(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetBatch(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	recs, err := s.store.ListScanRecords(r.Context(), store.ScanFilter{
		BatchID: id,
		Status:  model.ScanStatus(r.URL.Query().Get("status")),
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) listScanRows(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListQueryResultRows(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	rep, err := s.engine.Report(r.Context(), chi.URLParam(r, "domain"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.engine.Summary(r.Context(), chi.URLParam(r, "domain"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) risk(w http.ResponseWriter, r *http.Request) {
	risk, err := s.engine.DisplacementRisk(r.Context(), chi.URLParam(r, "domain"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, risk)
}

func (s *Server) trend(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("metric")
	if name == "" {
		name = string(intel.MetricOverallScore)
	}
	m, err := intel.ParseMetric(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	domain := intel.NormalizeDomain(chi.URLParam(r, "domain"))
	t, err := s.engine.Trend(r.Context(), domain, m)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"domain":    domain,
		"metric":    m,
		"trend":     t,
		"direction": intel.DirectionOf(t),
	})
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	points, err := s.engine.History(r.Context(), chi.URLParam(r, "domain"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if points == nil {
		points = []intel.Snapshot{}
	}
	writeJSON(w, http.StatusOK, points)
}

type snapshotRequest struct {
	intel.Facts
	RecordedAt time.Time `json:"recorded_at"`
}

func (s *Server) recordSnapshot(w http.ResponseWriter, r *http.Request) {
	var req snapshotRequest
	if !decode(w, r, &req) {
		return
	}
	snap, err := s.engine.Record(r.Context(), intel.Snapshot{
		Domain:     chi.URLParam(r, "domain"),
		Facts:      req.Facts,
		RecordedAt: req.RecordedAt,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) listCompetitors(w http.ResponseWriter, _ *http.Request) {
	cs := s.engine.Registry().List()
	if cs == nil {
		cs = []intel.Competitor{}
	}
	writeJSON(w, http.StatusOK, cs)
}

func (s *Server) addCompetitor(w http.ResponseWriter, r *http.Request) {
	var c intel.Competitor
	if !decode(w, r, &c) {
		return
	}
	reg := s.engine.Registry()
	added, err := reg.Add(c)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := reg.Save(); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

func (s *Server) removeCompetitor(w http.ResponseWriter, r *http.Request) {
	reg := s.engine.Registry()
	if err := reg.Remove(chi.URLParam(r, "domain")); err != nil {
		s.fail(w, err)
		return
	}
	if err := reg.Save(); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps err onto a status code and writes it.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	switch {
	case eris.Is(err, store.ErrNotFound), eris.Is(err, intel.ErrUnknownCompetitor):
		writeError(w, http.StatusNotFound, err.Error())
	case eris.Is(err, intel.ErrDuplicateCompetitor), eris.Is(err, store.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &verrs):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		zap.L().Error("api: request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
