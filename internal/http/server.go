// Package http serves the daemon's status endpoints: health probes, the
// current sync status and manual sync triggers.
package http

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"savings/internal/cache"
	"savings/internal/core"
	"savings/internal/log"
	"savings/internal/services"
	"savings/internal/worker"
)

const (
	// postLimit caps POST requests per client per minute.
	postLimit = 30

	driftTTL = 30 * time.Second
	driftKey = "drift"
)

type SyncRunner interface {
	PerformSync(ctx context.Context) (bool, error)
	Status() worker.Status
}

type SignInRunner interface {
	Run(ctx context.Context) worker.Progress
	Last() worker.Progress
}

type BalanceReader interface {
	Balance(ctx context.Context) (decimal.Decimal, error)
}

type DriftReader interface {
	Drift(ctx context.Context) (services.Drift, error)
}

type Deps struct {
	Scheduler SyncRunner
	SignIn    SignInRunner
	Balance   BalanceReader
	// Drift is optional; it backs GET /status?remote=true.
	Drift DriftReader
	// Ready reports whether the local store is usable.
	Ready    func(ctx context.Context) error
	Currency string
	Logger   *log.Logger
}

type Server struct {
	http.Server
	deps        Deps
	logger      *log.Logger
	access      *log.StructuredLogger
	rateLimiter *rateLimiter
	drift       *cache.LRU[services.Drift]

	// signInCtx outlives the request that started the pipeline.
	signInCtx    context.Context
	cancelSignIn context.CancelFunc
	signInWG     sync.WaitGroup
	shutdownOnce sync.Once
}

// NewServer wires routes and returns a ready-to-run server.
func NewServer(addr string, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(log.Config{Handler: slog.Default().Handler()})
	}
	logger = logger.WithComponent(log.ComponentHTTP)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		deps:         deps,
		logger:       logger,
		access:       log.NewStructuredLogger(logger),
		rateLimiter:  newRateLimiter(postLimit),
		drift:        cache.NewLRU[services.Drift](1, driftTTL),
		signInCtx:    ctx,
		cancelSignIn: cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /sync", s.handleSync)
	mux.HandleFunc("POST /signin-sync", s.handleStartSignIn)
	mux.HandleFunc("GET /signin-sync", s.handleSignInProgress)

	handler := log.Middleware(logger)(
		log.RequestIDMiddleware(requestID)(
			s.withAccessLog(mux)))

	s.Server = http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Shutdown stops the listener and waits for a running sign-in pipeline.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.rateLimiter.stop()
		err = s.Server.Shutdown(ctx)
		s.cancelSignIn()

		done := make(chan struct{})
		go func() {
			s.signInWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
		}
	})
	return err
}

func (s *Server) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ip := clientIP(r)

		if r.Method == http.MethodPost && !s.rateLimiter.allow(ip, start) {
			s.logger.WarnContext(r.Context(), "Rate limit exceeded", log.FieldClientIP, ip, log.FieldPath, r.URL.Path)
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded"})
			return
		}

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Cache-Control", "no-store")

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		s.access.LogHTTPEnd(r.Context(), r, rw.statusCode, time.Since(start).Milliseconds(), ip)
	})
}

type errorBody struct {
	Error string `json:"error"`
}

type statusBody struct {
	Sync           worker.Status `json:"sync"`
	Balance        string        `json:"balance"`
	BalanceDisplay string        `json:"balance_display"`
	Remote         *remoteBody   `json:"remote,omitempty"`
}

type remoteBody struct {
	Total  string `json:"total,omitempty"`
	Drift  string `json:"drift,omitempty"`
	InSync bool   `json:"in_sync"`
	Error  string `json:"error,omitempty"`
}

type syncBody struct {
	Ran    bool          `json:"ran"`
	Status worker.Status `json:"status"`
	Error  string        `json:"error,omitempty"`
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.logger.WarnContext(r.Context(), "Readiness check failed", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	body := statusBody{Sync: s.deps.Scheduler.Status()}
	if s.deps.Balance != nil {
		balance, err := s.deps.Balance.Balance(r.Context())
		if err != nil {
			s.logger.ErrorContext(r.Context(), "Balance replay failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "balance unavailable"})
			return
		}
		body.Balance = balance.StringFixed(2)
		body.BalanceDisplay = core.FormatAmount(balance, s.deps.Currency)
	}
	if s.deps.Drift != nil && r.URL.Query().Get("remote") == "true" {
		body.Remote = s.remoteStatus(r.Context())
	}
	writeJSON(w, http.StatusOK, body)
}

// remoteStatus compares with the remote running total, cached for driftTTL
// so frequent polling does not reach the API each time.
func (s *Server) remoteStatus(ctx context.Context) *remoteBody {
	d, err := s.drift.GetOrLoad(driftKey, func() (services.Drift, error) {
		return s.deps.Drift.Drift(ctx)
	})
	if err != nil {
		s.logger.WarnContext(ctx, "Remote total unavailable", "error", err)
		return &remoteBody{Error: err.Error()}
	}
	return &remoteBody{
		Total:  d.Remote.StringFixed(2),
		Drift:  d.Difference().StringFixed(2),
		InSync: d.InSync(),
	}
}

// handleSync runs one pass inline. A dropped trigger answers 409.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	// A client hanging up must not abort a pass midway.
	ran, err := s.deps.Scheduler.PerformSync(context.WithoutCancel(r.Context()))
	if ran {
		s.drift.Delete(driftKey)
	}
	body := syncBody{Ran: ran, Status: s.deps.Scheduler.Status()}
	status := http.StatusOK
	switch {
	case err != nil:
		body.Error = err.Error()
		status = http.StatusBadGateway
	case !ran && body.Status.Syncing:
		status = http.StatusConflict
	case !ran:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

// handleStartSignIn starts the pipeline in the background and answers 202.
func (s *Server) handleStartSignIn(w http.ResponseWriter, r *http.Request) {
	started := make(chan struct{})
	s.signInWG.Add(1)
	go func() {
		defer s.signInWG.Done()
		close(started)
		progress := s.deps.SignIn.Run(s.signInCtx)
		if progress.Error != "" {
			s.logger.WarnContext(s.signInCtx, "Sign-in sync did not complete", "step", progress.Step, "error", progress.Error)
		}
	}()
	<-started
	writeJSON(w, http.StatusAccepted, s.deps.SignIn.Last())
}

func (s *Server) handleSignInProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.SignIn.Last())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// responseWriter captures the status code for the access log.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

// requestID honours an incoming X-Request-ID and generates one otherwise.
func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + hex.EncodeToString(b)
}
