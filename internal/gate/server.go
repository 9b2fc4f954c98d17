package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/developingchet/admission-engine/internal/challenge"
	"github.com/developingchet/admission-engine/internal/fingerprint"
	"github.com/developingchet/admission-engine/internal/store"
)

// Pinger is the readiness dependency: the shared store client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ServerConfig carries the HTTP surface settings.
type ServerConfig struct {
	ListenAddr      string
	ShutdownTimeout time.Duration
}

// Server is the admission HTTP surface.
type Server struct {
	gate       *Gate
	challenges *challenge.Service
	pinger     Pinger
	cfg        ServerConfig
	httpServer *http.Server
}

// NewServer builds the HTTP surface over the gate.
func NewServer(g *Gate, ch *challenge.Service, pinger Pinger, cfg ServerConfig) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Server{gate: g, challenges: ch, pinger: pinger, cfg: cfg}
}

// Handler builds the chi router; exposed separately for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Post("/v1/admission/check", s.handleCheck)
	r.Post("/v1/admission/commit", s.handleCommit)
	r.Post("/v1/admission/release", s.handleRelease)
	r.Post("/v1/challenge", s.handleChallenge)

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", s.handleReady)
	return r
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("http server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("gate: shutdown: %w", err)
	}
	return <-errCh
}

type checkRequest struct {
	Route              string `json:"route"`
	ChallengeToken     string `json:"challenge_token,omitempty"`
	EstimatedCostMicro int64  `json:"estimated_cost_micros,omitempty"`
}

type checkResponse struct {
	Allow             bool   `json:"allow"`
	Reason            string `json:"reason"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
	ReservationID     string `json:"reservation_id,omitempty"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, checkResponse{Reason: ReasonInvalidRequest})
		return
	}
	if req.Route == "" {
		req.Route = "query"
	}

	d, err := s.gate.Check(r.Context(), Request{
		Signals:        signalsFrom(r),
		Route:          req.Route,
		ChallengeToken: req.ChallengeToken,
		EstimatedCost:  req.EstimatedCostMicro,
	})
	if err != nil {
		log.Error().Err(err).Msg("admission check failed")
		writeJSON(w, http.StatusInternalServerError, checkResponse{Reason: "internal_error"})
		return
	}

	resp := checkResponse{
		Allow:         d.Allow,
		Reason:        d.Reason,
		ReservationID: d.ReservationID,
	}
	if d.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(d.RetryAfter), 10))
		resp.RetryAfterSeconds = retryAfterSeconds(d.RetryAfter)
	}
	writeJSON(w, statusFor(d), resp)
}

type settleRequest struct {
	ReservationID   string `json:"reservation_id"`
	ActualCostMicro int64  `json:"actual_cost_micros,omitempty"`
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReservationID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "reservation_id required"})
		return
	}
	if err := s.gate.CommitUsage(r.Context(), req.ReservationID, req.ActualCostMicro); err != nil {
		log.Error().Err(err).Msg("commit failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "committed"})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReservationID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "reservation_id required"})
		return
	}
	if err := s.gate.ReleaseReservation(r.Context(), req.ReservationID); err != nil {
		log.Error().Err(err).Msg("release failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

type challengeRequest struct {
	ProviderResponse string `json:"provider_response"`
}

type challengeResponse struct {
	Token             string `json:"token,omitempty"`
	ExpiresAt         string `json:"expires_at,omitempty"`
	Reason            string `json:"reason,omitempty"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, challengeResponse{Reason: ReasonInvalidRequest})
		return
	}

	fp, err := fingerprint.Derive(signalsFrom(r))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, challengeResponse{Reason: ReasonInvalidRequest})
		return
	}

	tok, err := s.challenges.Issue(r.Context(), fp.String(), req.ProviderResponse, clientIP(r))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, challengeResponse{
			Token:     tok.Value,
			ExpiresAt: tok.ExpiresAt.UTC().Format(time.RFC3339),
		})
	case errors.Is(err, challenge.ErrIssuanceLimited):
		var le *challenge.IssuanceLimitedError
		resp := challengeResponse{Reason: "issuance_limited"}
		if errors.As(err, &le) {
			resp.RetryAfterSeconds = retryAfterSeconds(le.RetryAfter)
			w.Header().Set("Retry-After", strconv.FormatInt(resp.RetryAfterSeconds, 10))
		}
		writeJSON(w, http.StatusTooManyRequests, resp)
	case errors.Is(err, challenge.ErrVerificationFailed):
		writeJSON(w, http.StatusForbidden, challengeResponse{Reason: "verification_failed"})
	case errors.Is(err, challenge.ErrProviderUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, challengeResponse{Reason: "provider_unavailable"})
	default:
		log.Error().Err(err).Msg("challenge issuance failed")
		writeJSON(w, http.StatusInternalServerError, challengeResponse{Reason: "internal_error"})
	}
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.pinger.Ping(ctx); err != nil {
		if store.Unavailable(err) {
			// Degraded, not dead: admission keeps serving on fail-open
			// policies, but readiness reports the truth.
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unavailable"})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusFor maps a decision to its HTTP status. Retryable pressure is
// 429; standing consequences are 403.
func statusFor(d Decision) int {
	switch d.Reason {
	case ReasonOK:
		return http.StatusOK
	case ReasonRateLimited, ReasonBudgetExhausted:
		return http.StatusTooManyRequests
	case ReasonBanned, ReasonChallengeRequired, ReasonChallengeInvalid:
		return http.StatusForbidden
	case ReasonInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func signalsFrom(r *http.Request) fingerprint.Inputs {
	return fingerprint.Inputs{
		RemoteAddr:     r.RemoteAddr,
		ForwardedFor:   r.Header.Get("X-Forwarded-For"),
		UserAgent:      r.Header.Get("User-Agent"),
		AcceptLanguage: r.Header.Get("Accept-Language"),
	}
}

func clientIP(r *http.Request) string {
	in := signalsFrom(r)
	if in.ForwardedFor != "" {
		return in.ForwardedFor
	}
	return in.RemoteAddr
}

// retryAfterSeconds rounds up so "retry after 500ms" never renders as 0.
func retryAfterSeconds(d time.Duration) int64 {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}
