package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/tallyhq/tally/pkg/log"
	"github.com/tallyhq/tally/pkg/metrics"
	"github.com/tallyhq/tally/pkg/storage"
)

// Server is the webhook listener: the callback endpoint, a health probe,
// and the metrics scrape, on one local address.
type Server struct {
	hub    *Hub
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer wires the routes over the hub.
func NewServer(addr string, hub *Hub) *Server {
	s := &Server{
		hub:    hub,
		logger: log.WithComponent("hub.http"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/callback", s.handleCallback)
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", metrics.Handler())

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("webhook listener running")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return s.srv.Close()
	}
	return nil
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var cb Callback
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&cb); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed callback body"})
		return
	}
	cb.Signature = r.Header.Get("X-Signature")
	cb.Role = r.Header.Get("X-Actor-Role")

	if err := s.hub.HandleCallback(cb); err != nil {
		status := callbackStatus(err)
		s.logger.Warn().Err(err).
			Str("card_id", cb.CardID).
			Str("action", cb.Action).
			Int("status", status).
			Msg("callback refused")
		writeJSON(w, status, map[string]string{"error": publicReason(status)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "card_id": cb.CardID})
}

// handleHealthz reports listener liveness. A latched chain break turns the
// probe red: the daemon is up but must not be trusted with new work.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if broken, brk := s.hub.store.ChainBroken(); broken {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "chain_broken",
			"detail": brk.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// callbackStatus maps verification and action errors to the wire contract:
// 403 for anything an attacker could probe, 409 for stale or replayed
// deliveries and refused state transitions.
func callbackStatus(err error) int {
	switch {
	case errors.Is(err, ErrSignatureInvalid), errors.Is(err, ErrRoleDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrReplay), errors.Is(err, ErrCardExpired),
		errors.Is(err, storage.ErrBadTransition), errors.Is(err, storage.ErrCardConsumed),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusConflict
	case errors.Is(err, ErrBadPayload), errors.Is(err, ErrUnknownAction):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// publicReason keeps response bodies generic; the log line carries the
// specifics.
func publicReason(status int) string {
	switch status {
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusConflict:
		return "conflict"
	case http.StatusBadRequest:
		return "bad request"
	default:
		return "internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
