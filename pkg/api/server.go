package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BGMLAI/exoskull-sub007/pkg/autonomy"
	"github.com/BGMLAI/exoskull-sub007/pkg/interventions"
	"github.com/BGMLAI/exoskull-sub007/pkg/observability"
	"github.com/BGMLAI/exoskull-sub007/pkg/store"
	"github.com/BGMLAI/exoskull-sub007/pkg/tenants"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Options configure a Server.
type Options struct {
	// Validator authenticates bearer tokens. Nil refuses every protected
	// request.
	Validator *JWTValidator
	// Limiter throttles each tenant. Nil disables limiting.
	Limiter   *TenantRateLimiter
	Telemetry *observability.Provider
	// Health reports readiness; nil always reports ok.
	Health func(ctx context.Context) error
}

// Server exposes the autonomy facade.
type Server struct {
	svc    *autonomy.Service
	opts   Options
	tel    *observability.Provider
	clock  func() time.Time
	logger *slog.Logger
}

func NewServer(svc *autonomy.Service, opts Options) *Server {
	tel := opts.Telemetry
	if tel == nil {
		tel = &observability.Provider{}
	}
	return &Server{
		svc:    svc,
		opts:   opts,
		tel:    tel,
		clock:  time.Now,
		logger: slog.Default().With("component", "api"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Server) WithClock(clock func() time.Time) *Server {
	s.clock = clock
	return s
}

// Handler returns the routed handler with request id, auth and rate
// limiting applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "GET /health", s.handleHealth)
	s.route(mux, "POST /api/v1/interventions", s.handleCreateIntervention)
	s.route(mux, "GET /api/v1/interventions", s.handleListInterventions)
	s.route(mux, "GET /api/v1/interventions/{id}", s.handleGetIntervention)
	s.route(mux, "POST /api/v1/interventions/{id}/respond", s.handleRespond)
	s.route(mux, "POST /api/v1/permissions", s.handleSetPermission)
	s.route(mux, "GET /api/v1/permissions", s.handleListPermissions)
	s.route(mux, "GET /api/v1/effectiveness", s.handleEffectiveness)
	s.route(mux, "GET /api/v1/conflicts", s.handleListConflicts)
	s.route(mux, "POST /api/v1/conflicts/{id}/resolve", s.handleResolveConflict)
	s.route(mux, "POST /api/v1/responses", s.handleInboundResponse)

	var h http.Handler = mux
	if s.opts.Limiter != nil {
		h = s.opts.Limiter.Middleware(h)
	}
	h = AuthMiddleware(s.opts.Validator, "/health")(h)
	return RequestIDMiddleware(h)
}

// route registers fn under pattern inside a span named after it.
func (s *Server) route(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, done := s.tel.TrackOperation(r.Context(), "api.request",
			observability.AttrRoute.String(pattern),
			observability.AttrTenantID.String(TenantFrom(r.Context())))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r.WithContext(ctx))
		var err error
		if rec.status >= http.StatusInternalServerError {
			err = errors.New(http.StatusText(rec.status))
		}
		done(err)
	}))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// writeServiceError maps domain errors to problem documents.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, tenants.ErrNotFound):
		WriteNotFound(w, r, err.Error())
	case errors.Is(err, interventions.ErrInvalidProposal), errors.Is(err, autonomy.ErrInvalidChange):
		WriteBadRequest(w, r, err.Error())
	case errors.Is(err, interventions.ErrInvalidTransition), errors.Is(err, interventions.ErrStaleTransition):
		WriteConflict(w, r, err.Error())
	case errors.Is(err, autonomy.ErrTenantInactive):
		WriteForbidden(w, r, err.Error())
	case errors.Is(err, autonomy.ErrUnavailable):
		WriteServiceUnavailable(w, r, err.Error())
	default:
		WriteInternal(w, r, err)
	}
}
