// Package api is the HTTP boundary over the instance pool, the outbound
// queue and the warm-up scheduler. Every response is an Envelope with a
// stable code.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"warmline/internal/eventbus"
	"warmline/internal/hub"
	"warmline/internal/instance"
	"warmline/internal/queue"
	"warmline/internal/storage"
	"warmline/internal/transport"
	"warmline/internal/warmup"
	logx "warmline/pkg/logx"
)

type Instances interface {
	AddInstance(ctx context.Context, id string) (transport.Pairing, error)
	DeleteInstance(ctx context.Context, id string) error
	Enable(ctx context.Context, id string) error
	Disable(ctx context.Context, id string) error
	Connect(ctx context.Context, id string, forceRefresh bool) (transport.Pairing, error)
	Get(id string) (instance.Instance, bool)
	Snapshot() []instance.Instance
}

type Queue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (queue.EnqueueResult, error)
	Start(ctx context.Context) error
	Stop() bool
	Clear(ctx context.Context) (int, error)
	ResetExhausted(ctx context.Context) (int, error)
	Remove(ctx context.Context, id string) error
	List(ctx context.Context, limit int) ([]storage.QueuedMessage, error)
	State() queue.State
}

type WarmUp interface {
	Enable() error
	Disable()
	Schedule() warmup.Schedule
	Active() []eventbus.WarmConversation
}

type Deps struct {
	Instances   Instances
	Queue       Queue
	WarmUp      WarmUp
	Suppression storage.SuppressionStore
	Audit       storage.AuditStore
	// Auth guards /api when set. The websocket handler does its own auth.
	Auth hub.Authenticator
	WS   http.Handler
	Log  logx.Logger
}

type Server struct {
	d        Deps
	log      logx.Logger
	validate *validator.Validate
}

func New(d Deps) *Server {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{d: d, log: log.With(logx.String("comp", "api")), validate: newValidator()}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.accessLog, s.recoverer)

	if s.d.WS != nil {
		r.Handle("/ws", s.d.WS)
	}
	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Route("/instances", func(r chi.Router) {
			r.Post("/", s.addInstance)
			r.Get("/", s.listInstances)
			r.Get("/{id}", s.getInstance)
			r.Delete("/{id}", s.deleteInstance)
			r.Post("/{id}/enable", s.enableInstance)
			r.Post("/{id}/disable", s.disableInstance)
			r.Post("/{id}/connect", s.connectInstance)
		})
		r.Route("/queue", func(r chi.Router) {
			r.Post("/", s.enqueue)
			r.Get("/", s.listQueue)
			r.Delete("/", s.clearQueue)
			r.Get("/state", s.queueState)
			r.Post("/start", s.startQueue)
			r.Post("/stop", s.stopQueue)
			r.Post("/reset", s.resetQueue)
			r.Delete("/{id}", s.removeQueued)
		})
		r.Route("/warmup", func(r chi.Router) {
			r.Get("/", s.warmUpState)
			r.Post("/enable", s.enableWarmUp)
			r.Post("/disable", s.disableWarmUp)
		})
		r.Route("/suppression", func(r chi.Router) {
			r.Post("/", s.addSuppression)
			r.Delete("/{phone}", s.removeSuppression)
		})
	})
	return r
}

type ctxKey uint8

const actorKey ctxKey = iota

func actor(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey).(string); ok {
		return a
	}
	return "anonymous"
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.d.Auth == nil {
			next.ServeHTTP(w, r)
			return
		}
		user, ok := s.d.Auth.Authenticate(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, Envelope{Code: CodeUnauthorized, Message: "missing or invalid token"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, user)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// Unwrap lets the websocket upgrader reach the hijacker.
func (sw *statusWriter) Unwrap() http.ResponseWriter { return sw.ResponseWriter }

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		fields := []logx.Field{
			logx.String("method", r.Method), logx.String("path", r.URL.Path),
			logx.Int("status", sw.status), logx.Duration("took", time.Since(start)),
			logx.String("req", middleware.GetReqID(r.Context())),
		}
		if sw.status >= 500 {
			s.log.Warn("request done", fields...)
		} else {
			s.log.Debug("request done", fields...)
		}
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.log.Error("handler panic", logx.String("path", r.URL.Path), logx.Any("panic", v))
				writeJSON(w, http.StatusInternalServerError, Envelope{Code: CodeInternal, Message: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// fail writes the error outcome and records it.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := classify(err)
	if status >= 500 {
		s.log.Error("request failed", logx.String("path", r.URL.Path), logx.Err(err))
	}
	writeJSON(w, status, Envelope{Code: code, Message: msg})
}

// audit records an operator action; failures to record are only logged.
func (s *Server) audit(r *http.Request, action, target string, start time.Time, err error, meta any) {
	if s.d.Audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:     start,
		Actor:  actor(r.Context()),
		Action: action,
		Target: target,
		OK:     err == nil,
		TookMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if meta != nil {
		if b, mErr := json.Marshal(meta); mErr == nil {
			e.MetaJSON = string(b)
		}
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), time.Second)
	defer cancel()
	if aErr := s.d.Audit.AppendAudit(ctx, e); aErr != nil {
		s.log.Warn("append audit failed", logx.String("action", action), logx.Err(aErr))
	}
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}
