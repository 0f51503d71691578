package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"confi/backend/internal/domain"
	"confi/backend/internal/metrics"
	"confi/backend/internal/platform/logging"
	"confi/backend/internal/service"
)

const maxBodyBytes = 1 << 20

type Options struct {
	AllowedOrigin string
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
	// OrderRateLimit caps public order creations per client per minute.
	OrderRateLimit int
}

type API struct {
	service       *service.Service
	auth          *Authenticator
	allowedOrigin string
	logger        *zap.Logger
	metrics       *metrics.Metrics
	orderLimiter  *attemptLimiter
	validate      *validator.Validate
}

func New(svc *service.Service, auth *Authenticator, opts Options) *API {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origin := opts.AllowedOrigin
	if origin == "" {
		origin = "*"
	}
	limit := opts.OrderRateLimit
	if limit <= 0 {
		limit = 30
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: origin,
		logger:        logger,
		metrics:       opts.Metrics,
		orderLimiter:  newAttemptLimiter(limit, time.Minute),
		validate:      validate,
	}
}

type attemptLimiter struct {
	mu        sync.Mutex
	max       int
	window    time.Duration
	entries   map[string][]time.Time
	lastSweep time.Time
	now       func() time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time), now: time.Now}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.window {
		l.sweep(cutoff)
		l.lastSweep = now
	}

	kept := l.entries[key][:0]
	for _, ts := range l.entries[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

// sweep drops clients whose newest attempt is older than cutoff.
func (l *attemptLimiter) sweep(cutoff time.Time) {
	for key, attempts := range l.entries {
		if len(attempts) == 0 || !attempts[len(attempts)-1].After(cutoff) {
			delete(l.entries, key)
		}
	}
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.securityHeaders)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealth)
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/orders/validate-cart", a.handleValidateCart)
		r.Post("/orders", a.handleCreateOrder)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(RoleStaff, RoleAdmin))

			r.Get("/orders", a.handleListOrders)
			r.Get("/orders/{id}", a.handleGetOrder)
			r.Get("/orders/{id}/contact", a.handleOrderContact)
			r.Put("/orders/{id}/status", a.handleOrderStatus)
			r.Put("/orders/{id}/confirm", a.handleConfirmOrder)
			r.Put("/orders/{id}/cancel", a.handleCancelOrder)
			r.Put("/orders/{id}/whatsapp-sent", a.handleWhatsAppSent)

			r.Post("/stock-movements/adjust", a.handleAdjustStock)
			r.Post("/stock-movements/restock", a.handleRestock)
			r.Post("/stock-movements/damage", a.handleDamage)
			r.Get("/stock-movements", a.handleListMovements)
			r.Get("/stock-movements/variant/{id}", a.handleVariantMovements)
			r.Get("/stock-movements/order/{id}", a.handleOrderMovements)

			r.Get("/variants/{id}/stock", a.handleVariantStock)
			r.Get("/stock/low", a.handleLowStock)
		})
	})

	return r
}

func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				writeError(w, r, http.StatusUnauthorized, "unauthorized", errors.New("missing bearer token"))
				return
			}

			actor, err := a.auth.ParseToken(strings.TrimSpace(authorization[len("Bearer "):]))
			if err != nil {
				writeError(w, r, http.StatusUnauthorized, "unauthorized", err)
				return
			}
			if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
				writeError(w, r, http.StatusForbidden, "forbidden", errors.New("forbidden role"))
				return
			}

			ctx := service.WithActor(r.Context(), actor)
			ctx = logging.WithLogger(ctx, logging.FromContext(ctx).With(zap.String("actor", actor.Username)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *API) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Body != nil && (r.Method == http.MethodPost || r.Method == http.MethodPut) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := a.logger.With(
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
		)
		r = r.WithContext(logging.WithLogger(r.Context(), logger))

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		next.ServeHTTP(ww, r)
		elapsed := time.Since(startedAt)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if a.metrics != nil {
			a.metrics.ObserveRequest(route, r.Method, status, elapsed)
		}

		fields := []zap.Field{
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("latency", elapsed),
			zap.Int("bytes", ww.BytesWritten()),
		}
		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("request completed", fields...)
		case status >= http.StatusBadRequest:
			logger.Warn("request completed", fields...)
		default:
			logger.Info("request completed", fields...)
		}
	})
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

// decode reads a JSON body into dest and runs its validate tags. It writes
// the error response itself and reports whether the handler may continue.
func (a *API) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "body_too_large", errors.New("request body too large"))
			return false
		}
		writeError(w, r, http.StatusBadRequest, "bad_request", err)
		return false
	}

	if err := a.validate.Struct(dest); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			writeError(w, r, http.StatusBadRequest, "bad_request", err)
			return false
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fieldPath(fe)] = fe.Tag()
		}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":     "validation_error",
			"message":   "request failed validation",
			"retryable": false,
			"fields":    fields,
		})
		return false
	}
	return true
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

// writeServiceError maps domain errors onto status codes and a stable body.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	body := map[string]any{
		"message":   err.Error(),
		"retryable": domain.Retryable(err),
	}

	var (
		mismatch   *domain.PriceMismatchError
		stockErr   *domain.InsufficientStockError
		transition *domain.TransitionError
		status     int
	)
	switch {
	case errors.As(err, &mismatch):
		status = http.StatusConflict
		body["error"] = "price_mismatch"
		body["discrepancies"] = mismatch.Discrepancies
		body["serverPrices"] = mismatch.ServerPrices
	case errors.As(err, &stockErr):
		status = http.StatusConflict
		body["error"] = "insufficient_stock"
		body["variantId"] = stockErr.VariantID
		body["requested"] = stockErr.Requested
		body["available"] = stockErr.Available
	case errors.As(err, &transition):
		status = http.StatusConflict
		body["error"] = "invalid_transition"
		body["from"] = transition.From
		body["to"] = transition.To
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidDiscount):
		status = http.StatusUnprocessableEntity
		body["error"] = "validation_error"
	case errors.Is(err, domain.ErrConcurrencyConflict):
		status = http.StatusServiceUnavailable
		body["error"] = "concurrency_conflict"
	case errors.Is(err, domain.ErrMovementNotFound):
		status = http.StatusNotFound
		body["error"] = "movement_not_found"
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		body["error"] = "not_found"
	default:
		writeError(w, r, http.StatusInternalServerError, "internal_error", err)
		return
	}
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code string, err error) {
	// 5xx details stay in the logs.
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error("internal error", zap.Int("status", status), zap.Error(err))
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error":     code,
		"message":   msg,
		"retryable": false,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value < 1 {
		return fallback
	}
	if value > max {
		return max
	}
	return value
}
