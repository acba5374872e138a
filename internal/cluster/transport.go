package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"icecrystal/internal/actor"
	"icecrystal/internal/domain"
	"icecrystal/internal/domain/model"
)

// Wire types for node-to-node RPC. Timestamps travel as unix milliseconds.

type trancheDTO struct {
	Initial   int64  `json:"initial"`
	Amount    int64  `json:"amount"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
	Note      string `json:"note,omitempty"`
}

type creditsDTO struct {
	UserID    string       `json:"user_id"`
	Trial     int64        `json:"trial"`
	Permanent int64        `json:"permanent"`
	Expiring  []trancheDTO `json:"expiring,omitempty"`
}

type grantDTO struct {
	Trial     int64        `json:"trial,omitempty"`
	Permanent int64        `json:"permanent,omitempty"`
	Expiring  []trancheDTO `json:"expiring,omitempty"`
}

type jobDTO struct {
	ID            string `json:"id"`
	UserID        string `json:"user_id"`
	Type          string `json:"type"`
	ChargeCredits bool   `json:"charge_credits"`
	Cost          int64  `json:"cost"`
}

func toCreditsDTO(uc *model.UserCredits) creditsDTO {
	out := creditsDTO{UserID: uc.UserID, Trial: uc.Trial, Permanent: uc.Permanent}
	for _, ec := range uc.Expiring {
		out.Expiring = append(out.Expiring, trancheDTO{
			Initial:   ec.Initial,
			Amount:    ec.Amount,
			CreatedAt: ec.CreatedAt.UnixMilli(),
			ExpiresAt: ec.ExpiresAt.UnixMilli(),
			Note:      ec.Note,
		})
	}
	return out
}

func fromCreditsDTO(dto creditsDTO) *model.UserCredits {
	uc := &model.UserCredits{UserID: dto.UserID, Trial: dto.Trial, Permanent: dto.Permanent}
	for _, t := range dto.Expiring {
		uc.Expiring = append(uc.Expiring, model.ExpiringCredit{
			UserID:    dto.UserID,
			Initial:   t.Initial,
			Amount:    t.Amount,
			CreatedAt: time.UnixMilli(t.CreatedAt).UTC(),
			ExpiresAt: time.UnixMilli(t.ExpiresAt).UTC(),
			Note:      t.Note,
		})
	}
	return uc
}

func toGrantDTO(g model.Grant) grantDTO {
	out := grantDTO{Trial: g.Trial, Permanent: g.Permanent}
	for _, ec := range g.Expiring {
		out.Expiring = append(out.Expiring, trancheDTO{
			Initial:   ec.Initial,
			Amount:    ec.Amount,
			CreatedAt: ec.CreatedAt.UnixMilli(),
			ExpiresAt: ec.ExpiresAt.UnixMilli(),
			Note:      ec.Note,
		})
	}
	return out
}

func fromGrantDTO(userID string, dto grantDTO) model.Grant {
	g := model.Grant{Trial: dto.Trial, Permanent: dto.Permanent}
	for _, t := range dto.Expiring {
		g.Expiring = append(g.Expiring, model.ExpiringCredit{
			UserID:    userID,
			Initial:   t.Initial,
			Amount:    t.Amount,
			CreatedAt: time.UnixMilli(t.CreatedAt).UTC(),
			ExpiresAt: time.UnixMilli(t.ExpiresAt).UTC(),
			Note:      t.Note,
		})
	}
	return g
}

// Server is the internal RPC listener peers dial for users homed here.
type Server struct {
	router *Router
	log    *zerolog.Logger
}

func NewServer(router *Router, logger *zerolog.Logger) *Server {
	srvLog := logger.With().Str("component", "ClusterRPC").Logger()
	return &Server{router: router, log: &srvLog}
}

// Handler builds the chi mux for the internal listener.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/internal/v1/users/{userID}", func(r chi.Router) {
		r.Get("/credits", s.handleGetCredits)
		r.Post("/grants", s.handleGrant)
		r.Post("/jobs", s.handleJob)
	})
	return r
}

func (s *Server) handleGetCredits(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := s.router.ServeLocal(userID); err != nil {
		s.writeErr(w, err)
		return
	}
	uc, err := s.router.Local().GetCredits(r.Context(), userID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toCreditsDTO(uc))
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := s.router.ServeLocal(userID); err != nil {
		s.writeErr(w, err)
		return
	}
	var dto grantDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		http.Error(w, "malformed grant", http.StatusBadRequest)
		return
	}
	uc, err := s.router.Local().Grant(r.Context(), userID, fromGrantDTO(userID, dto))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toCreditsDTO(uc))
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := s.router.ServeLocal(userID); err != nil {
		s.writeErr(w, err)
		return
	}
	var dto jobDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		http.Error(w, "malformed job", http.StatusBadRequest)
		return
	}
	job := actor.Job{ID: dto.ID, UserID: dto.UserID, Type: dto.Type, ChargeCredits: dto.ChargeCredits, Cost: dto.Cost}
	if err := s.router.Local().CompleteJob(r.Context(), job); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("encode response")
	}
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrWrongOwner):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrInvalidArgument):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrUserMismatch):
		// Terminal: must not surface as a 5xx the client would retry.
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case domain.Transient(err):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HTTPClient implements RemoteClient over the internal listener.
type HTTPClient struct {
	cli *http.Client
}

func NewHTTPClient() *HTTPClient {
	return &HTTPClient{cli: &http.Client{}}
}

func (c *HTTPClient) GetCredits(ctx context.Context, addr, userID string) (*model.UserCredits, error) {
	var dto creditsDTO
	if err := c.do(ctx, http.MethodGet, addr, "/internal/v1/users/"+userID+"/credits", nil, &dto); err != nil {
		return nil, err
	}
	return fromCreditsDTO(dto), nil
}

func (c *HTTPClient) Grant(ctx context.Context, addr, userID string, g model.Grant) (*model.UserCredits, error) {
	var dto creditsDTO
	if err := c.do(ctx, http.MethodPost, addr, "/internal/v1/users/"+userID+"/grants", toGrantDTO(g), &dto); err != nil {
		return nil, err
	}
	return fromCreditsDTO(dto), nil
}

func (c *HTTPClient) CompleteJob(ctx context.Context, addr string, job actor.Job) error {
	dto := jobDTO{ID: job.ID, UserID: job.UserID, Type: job.Type, ChargeCredits: job.ChargeCredits, Cost: job.Cost}
	return c.do(ctx, http.MethodPost, addr, "/internal/v1/users/"+job.UserID+"/jobs", dto, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, addr, path string, in, out interface{}) error {
	var body *bytes.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return domain.ErrInvalidArgument
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://"+addr+path, body)
	if err != nil {
		return domain.ErrInvalidArgument
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cli.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return domain.ErrRouteTimeout
		}
		return domain.ErrOperationFailed
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
	case resp.StatusCode == http.StatusConflict:
		return domain.ErrWrongOwner
	case resp.StatusCode == http.StatusBadRequest:
		return domain.ErrInvalidArgument
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return domain.ErrUserMismatch
	case resp.StatusCode == http.StatusServiceUnavailable:
		return domain.ErrOperationFailed
	default:
		return fmt.Errorf("%w: unexpected status %d", domain.ErrOperationFailed, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return domain.ErrOperationFailed
		}
	}
	return nil
}
