// Package httpapi is the HTTP control surface of the chat relay: message
// history, moderation (edit, delete, clear) and operational endpoints.
// Every mutation is committed to the store first and then announced on the
// bus, the same path socket messages take.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/acces/alumni-chat/internal/chat"
	"github.com/acces/alumni-chat/internal/identity"
	"github.com/acces/alumni-chat/internal/messaging"
	"github.com/acces/alumni-chat/internal/metrics"
	"github.com/acces/alumni-chat/internal/presence"
	"github.com/acces/alumni-chat/internal/session"
)

// DegradedWarning is set on responses whose mutation was committed but
// could not be broadcast.
const DegradedWarning = `199 - "broadcast not delivered"`

// Config holds HTTP surface settings.
type Config struct {
	AllowedOrigins []string      // CORS origins; "*" allows any
	MaxBodyBytes   int64         // request body cap
	RequestTimeout time.Duration // bound on store calls per request
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{"*"},
		MaxBodyBytes:   64 << 10,
		RequestTimeout: 10 * time.Second,
	}
}

// Deps are the collaborators of the API. Presence and Sessions are optional.
type Deps struct {
	Auth      *identity.Authenticator
	Store     chat.Store
	Publisher *messaging.Publisher
	Presence  presence.Tracker
	Sessions  *session.Registry
}

// API serves the control surface.
type API struct {
	config   Config
	deps     Deps
	validate *validator.Validate
	started  time.Time
}

// New creates an API.
func New(config Config, deps Deps) *API {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultConfig().RequestTimeout
	}
	return &API{
		config:   config,
		deps:     deps,
		validate: validator.New(),
		started:  time.Now(),
	}
}

// Router builds the route table. Callers may mount more handlers on the
// returned router, e.g. the websocket endpoint.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(a.recoverer, a.instrument, a.cors)

	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/chat").Subrouter()
	api.Use(a.authenticate)
	api.HandleFunc("/messages", a.handleList).Methods(http.MethodGet)
	api.HandleFunc("/messages", a.handleClear).Methods(http.MethodDelete)
	api.HandleFunc("/messages/{id}", a.handleEdit).Methods(http.MethodPut)
	api.HandleFunc("/messages/{id}", a.handleDelete).Methods(http.MethodDelete)
	api.HandleFunc("/online", a.handleOnline).Methods(http.MethodGet)

	// Preflight requests carry no credentials.
	r.PathPrefix("/api/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

type userKey struct{}

// UserFromContext returns the caller resolved by the auth middleware.
func UserFromContext(ctx context.Context) (*identity.User, bool) {
	u, ok := ctx.Value(userKey{}).(*identity.User)
	return u, ok
}

func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		user, err := a.deps.Auth.ResolveToken(r.Context(), identity.BearerToken(r))
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func (a *API) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				log.Printf("[http] panic %s %s: %v\n%s", r.Method, r.URL.Path, v, debug.Stack())
				writeJSON(w, http.StatusInternalServerError, errorBody{Detail: "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (a *API) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && a.originAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			h.Add("Vary", "Origin")
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) originAllowed(origin string) bool {
	for _, o := range a.config.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade through the instrumentation wrapper.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpapi: response writer cannot hijack")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (a *API) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[http] encode response: %v", err)
	}
}
