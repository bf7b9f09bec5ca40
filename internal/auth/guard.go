package auth

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-access/internal/rbac"
)

// Decision is the outcome of an authorization check.
type Decision int

// Decisions. The zero value denies.
const (
	Deny Decision = iota
	Allow
)

// String returns "allow" or "deny".
func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// Decider answers whether a request is granted. *rbac.Service satisfies it.
type Decider interface {
	Decide(ctx context.Context, req rbac.Request) (bool, error)
}

// DecisionRecorder receives sampled decisions and every fault.
type DecisionRecorder interface {
	RecordDecision(role, module, action string, allowed bool, latency time.Duration)
	RecordFault(module, action string, err error)
}

// Logger is the logging interface used by the guard.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// GuardConfig tunes the guard.
type GuardConfig struct {
	// SampleRate is the fraction of decisions passed to the recorder, 0 to 1.
	// Faults are always recorded.
	SampleRate float64
}

// Guard is the per-request authorization check. It never returns an
// error: a decision source that cannot answer denies.
type Guard struct {
	decider    Decider
	sampleRate float64
	sample     func() float64
	logger     Logger
	recorder   DecisionRecorder
}

// NewGuard creates a guard over decider.
func NewGuard(decider Decider, cfg GuardConfig) *Guard {
	return &Guard{
		decider:    decider,
		sampleRate: cfg.SampleRate,
		sample:     rand.Float64,
		logger:     noopLogger{},
	}
}

// SetLogger sets the logger for the guard.
func (g *Guard) SetLogger(logger Logger) {
	g.logger = logger
}

// SetRecorder sets the metrics recorder for the guard.
func (g *Guard) SetRecorder(r DecisionRecorder) {
	g.recorder = r
}

// Check decides whether role may perform action on module.
func (g *Guard) Check(ctx context.Context, role, module, action string) Decision {
	return g.Decide(ctx, rbac.Request{Key: rbac.Key{Role: role, Module: module, Action: action}})
}

// Decide is Check with request attributes for conditional grants.
func (g *Guard) Decide(ctx context.Context, req rbac.Request) Decision {
	start := time.Now()
	allowed, err := g.decider.Decide(ctx, req)
	latency := time.Since(start)

	if err != nil {
		g.logger.Error("authorization check failed, denying",
			"role", req.Role,
			"module", req.Module,
			"action", req.Action,
			"error", err,
		)
		if g.recorder != nil {
			g.recorder.RecordFault(req.Module, req.Action, err)
		}
		return Deny
	}

	if g.recorder != nil && g.sampleRate > 0 && g.sample() < g.sampleRate {
		g.recorder.RecordDecision(req.Role, req.Module, req.Action, allowed, latency)
	}
	if !allowed {
		return Deny
	}
	return Allow
}

// CheckIdentity is Check for the identity carried by ctx. A context with
// no identity denies.
func (g *Guard) CheckIdentity(ctx context.Context, module, action string) Decision {
	id, ok := IdentityFromContext(ctx)
	if !ok {
		return Deny
	}
	return g.Check(ctx, id.Role, module, action)
}

// Require returns middleware that lets a request through only when the
// caller's role may perform action on module. Requests without an identity
// get 401. Every denial gets the same 403 body.
func (g *Guard) Require(module, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok {
				WriteUnauthorized(w)
				return
			}
			if g.Check(r.Context(), id.Role, module, action) != Allow {
				g.logger.Debug("request denied",
					"actor", id.ActorID,
					"role", id.Role,
					"module", module,
					"action", action,
					"path", r.URL.Path,
				)
				WriteForbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// errorBody matches the API's structured error response.
type errorBody struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteForbidden writes the generic denial response.
func WriteForbidden(w http.ResponseWriter) {
	writeAuthError(w, http.StatusForbidden, "forbidden", ErrForbidden.Error())
}

// WriteUnauthorized writes the response for a missing or invalid token.
func WriteUnauthorized(w http.ResponseWriter) {
	writeAuthError(w, http.StatusUnauthorized, "unauthorised", "authentication required")
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // Best-effort write to response; connection may be closed
	json.NewEncoder(w).Encode(errorBody{Status: status, Code: code, Message: message})
}
