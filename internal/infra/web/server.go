package web

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"icecrystal/internal/cluster"
	"icecrystal/internal/pipeline"
)

// Server is the ops listener: health, metrics, a read-only balance lookup
// for support tooling, and the push-subscription endpoint that feeds the
// same pipeline as the pull subscriptions.
type Server struct {
	router   *cluster.Router
	producer *pipeline.Producer
	log      *zerolog.Logger
}

func NewServer(router *cluster.Router, producer *pipeline.Producer, logger *zerolog.Logger) *Server {
	srvLog := logger.With().Str("component", "OpsServer").Logger()
	return &Server{router: router, producer: producer, log: &srvLog}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/api/v1/users/{userID}/credits", s.handleCredits)
	r.Post("/push/{topic}", s.handlePush)
	return r
}

// Run serves until ctx ends, then drains with a short grace period.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info().Str("addr", addr).Msg("ops server listening")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	uc, err := s.router.GetCredits(r.Context(), userID)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("balance lookup failed")
		http.Error(w, "lookup failed", http.StatusBadGateway)
		return
	}
	type trancheView struct {
		AmountMS  int64     `json:"amount_ms"`
		ExpiresAt time.Time `json:"expires_at"`
		Note      string    `json:"note,omitempty"`
	}
	view := struct {
		UserID      string        `json:"user_id"`
		TrialMS     int64         `json:"trial_ms"`
		PermanentMS int64         `json:"permanent_ms"`
		TotalMS     int64         `json:"total_ms"`
		Expiring    []trancheView `json:"expiring,omitempty"`
	}{UserID: uc.UserID, TrialMS: uc.Trial, PermanentMS: uc.Permanent, TotalMS: uc.Total()}
	for _, ec := range uc.Expiring {
		view.Expiring = append(view.Expiring, trancheView{AmountMS: ec.Amount, ExpiresAt: ec.ExpiresAt, Note: ec.Note})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(view); err != nil {
		s.log.Error().Err(err).Msg("encode balance view")
	}
}

// pushEnvelope is the wrapper a push subscription POSTs. Data is base64.
type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// handlePush converts a push call into a pipeline delivery. The HTTP status
// is the ack: 2xx acknowledges, anything else makes the bus redeliver. We
// hold the request open until the processor settles the message.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	var env pushEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "malformed push envelope", http.StatusBadRequest)
		return
	}
	body, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		http.Error(w, "malformed message data", http.StatusBadRequest)
		return
	}

	// Downstream code expects a non-empty message id (logs, change-log
	// keys). Synthesize one when the envelope lacks it.
	msgID := env.Message.MessageID
	if msgID == "" {
		msgID = uuid.NewString()
	}

	done := make(chan bool, 1)
	d := pipeline.Delivery{
		ID:    msgID,
		Topic: topic,
		Body:  body,
		Ack:   func() { done <- true },
		Nack:  func() { done <- false },
	}
	if err := s.producer.Inject(r.Context(), d); err != nil {
		http.Error(w, "pipeline saturated", http.StatusServiceUnavailable)
		return
	}
	select {
	case acked := <-done:
		if acked {
			w.WriteHeader(http.StatusNoContent)
		} else {
			http.Error(w, "transient failure", http.StatusServiceUnavailable)
		}
	case <-r.Context().Done():
		// Client gave up; the bus treats the dropped response as a nack.
	}
}
