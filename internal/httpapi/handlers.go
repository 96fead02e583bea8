package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"bloodnet.org/internal/auth"
	"bloodnet.org/internal/bloodtype"
	"bloodnet.org/internal/matching"
	"bloodnet.org/internal/notify"
	"bloodnet.org/internal/obs"
	"bloodnet.org/internal/stream"
)

const serviceName = "bloodnet-api"

// readinessChecker reports whether dependencies are reachable.
type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings the store.
type ReadyProbe struct {
	Store interface{ Ping(ctx context.Context) error }
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

// API is the HTTP layer over the matching service.
type API struct {
	mux       *http.ServeMux
	svc       *matching.Service
	readiness readinessChecker
	version   string
	stream    *stream.Stream
	outbox    *notify.Outbox

	tokenTTL   time.Duration
	devTokens  bool
	origins    []string
	rateBurst  int
	ratePerSec float64
}

// Option configures API.
type Option func(*API)

func WithReadiness(r readinessChecker) Option { return func(a *API) { a.readiness = r } }

func WithStream(s *stream.Stream) Option { return func(a *API) { a.stream = s } }

func WithOutbox(o *notify.Outbox) Option { return func(a *API) { a.outbox = o } }

// WithDevTokens enables POST /v1/auth/token for registered users.
func WithDevTokens(ttl time.Duration) Option {
	return func(a *API) {
		a.devTokens = true
		if ttl > 0 {
			a.tokenTTL = ttl
		}
	}
}

func WithAllowedOrigins(origins []string) Option { return func(a *API) { a.origins = origins } }

func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		a.ratePerSec = perSecond
		a.rateBurst = burst
	}
}

func New(svc *matching.Service, version string, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		readiness:  ReadyProbe{Store: svc.Store()},
		version:    version,
		tokenTTL:   15 * time.Minute,
		rateBurst:  40,
		ratePerSec: 20,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/auth/token", a.handleAuthToken)

	admin := RequireRole(string(matching.RoleAdmin))
	a.mux.Handle("POST /v1/users", admin(http.HandlerFunc(a.registerUser)))
	a.mux.HandleFunc("GET /v1/users/{id}", a.getUser)
	a.mux.HandleFunc("PUT /v1/donors/{id}/availability", a.setAvailability)

	a.mux.HandleFunc("POST /v1/requests", a.submitRequest)
	a.mux.HandleFunc("GET /v1/requests", a.listRequests)
	a.mux.HandleFunc("GET /v1/requests/{id}", a.getRequest)
	a.mux.Handle("POST /v1/requests/{id}/match", admin(http.HandlerFunc(a.matchRequest)))
	a.mux.HandleFunc("POST /v1/requests/{id}/cancel", a.cancelRequest)
	a.mux.HandleFunc("POST /v1/requests/{id}/claim", a.claimRequest)
	a.mux.HandleFunc("POST /v1/requests/{id}/confirm", a.confirmRequest)

	a.mux.HandleFunc("GET /v1/matches", a.listMatches)
	a.mux.HandleFunc("GET /v1/matches/{id}", a.getMatch)
	a.mux.HandleFunc("POST /v1/matches/{id}/notify", a.retryNotification)
	a.mux.Handle("GET /v1/notifications/failures", admin(http.HandlerFunc(a.listFailures)))
	a.mux.Handle("POST /v1/notifications/retry", admin(http.HandlerFunc(a.drainFailures)))

	a.mux.HandleFunc("POST /v1/donations/{id}/verify", a.verifyDonation)
	a.mux.HandleFunc("GET /v1/donations/history", a.donationHistory)
	a.mux.HandleFunc("GET /v1/inventory", a.listInventory)
	a.mux.HandleFunc("GET /v1/inventory/{type}", a.getInventory)

	a.mux.HandleFunc("GET /v1/stream", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the mux wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h, a.origins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readiness.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleServiceError maps engine errors onto status codes.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, matching.ErrValidation), errors.Is(err, bloodtype.ErrUnknown):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, matching.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, matching.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, matching.ErrPermission), errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "deadline exceeded")
	default:
		obs.LogJSON("error", "request_failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"error":      err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
