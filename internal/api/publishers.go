package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nugget/pulsewire/internal/alert"
	"github.com/nugget/pulsewire/internal/brokererr"
	"github.com/nugget/pulsewire/internal/publish"
	"github.com/nugget/pulsewire/internal/publisherregistry"
)

// publisherResponse is the wire shape for a publisher record. It never
// carries the API key digest or plaintext key.
type publisherResponse struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	Channels        []string `json:"channels"`
	Status          string   `json:"status"`
	ReputationScore float64  `json:"reputationScore"`
	AlertsPublished int64    `json:"alertsPublished"`
	AlertsConsumed  int64    `json:"alertsConsumed"`
	Stake           float64  `json:"stake"`
}

func toPublisherResponse(p publisherregistry.Publisher) publisherResponse {
	return publisherResponse{
		ID:              p.ID,
		Name:            p.Name,
		Description:     p.Description,
		Channels:        p.Channels,
		Status:          string(p.Status),
		ReputationScore: p.ReputationScore,
		AlertsPublished: p.AlertsPublished,
		AlertsConsumed:  p.AlertsConsumed,
		Stake:           p.Stake,
	}
}

type registerPublisherRequest struct {
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	Channels      []string `json:"channels"`
	WalletAddress string   `json:"walletAddress,omitempty"`
}

func (s *Server) handleRegisterPublisher(w http.ResponseWriter, r *http.Request) {
	var req registerPublisherRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reg, err := s.pubs.Register(publisherregistry.Params{
		Name:          req.Name,
		Description:   req.Description,
		Channels:      req.Channels,
		WalletAddress: req.WalletAddress,
	})
	if err != nil {
		var dup *publisherregistry.DuplicateError
		if errors.As(err, &dup) {
			s.errorResponse(w, http.StatusConflict, err.Error())
			return
		}
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]any{
		"publisher": toPublisherResponse(reg.Publisher),
		"apiKey":    reg.PlaintextKey,
		"qrCodePng": base64.StdEncoding.EncodeToString(reg.QRCodePNG),
	}, s.logger)
}

type publishRequest struct {
	Channel     alert.Channel   `json:"channel"`
	Priority    alert.Priority  `json:"priority,omitempty"`
	Headline    string          `json:"headline"`
	Summary     string          `json:"summary"`
	SourceURL   string          `json:"sourceUrl"`
	Entities    []string        `json:"entities,omitempty"`
	Tickers     []string        `json:"tickers,omitempty"`
	Tokens      []string        `json:"tokens,omitempty"`
	Sentiment   alert.Sentiment `json:"sentiment,omitempty"`
	ImpactScore *float64        `json:"impactScore,omitempty"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	key := bearerToken(r)
	if key == "" {
		s.errorResponse(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.publishSvc.Publish(key, publish.Request{
		Channel:     req.Channel,
		Priority:    req.Priority,
		Headline:    req.Headline,
		Summary:     req.Summary,
		SourceURL:   req.SourceURL,
		Entities:    req.Entities,
		Tickers:     req.Tickers,
		Tokens:      req.Tokens,
		Sentiment:   req.Sentiment,
		ImpactScore: req.ImpactScore,
	})
	if err != nil {
		s.writePublishError(w, err)
		return
	}

	writeJSON(w, map[string]any{
		"alert":          result.Alert,
		"deliveredCount": result.DeliveredCount,
	}, s.logger)
}

func (s *Server) writePublishError(w http.ResponseWriter, err error) {
	var brokerErr *brokererr.Error
	if errors.As(err, &brokerErr) {
		s.errorResponse(w, brokerErr.Kind.StatusCode(), brokerErr.Message)
		return
	}
	s.errorResponse(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) handleListPublishers(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r)
	if limit <= 0 {
		limit = 100
	}
	pubs, err := s.pubs.List(limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]publisherResponse, len(pubs))
	for i, p := range pubs {
		out[i] = toPublisherResponse(p)
	}
	writeJSON(w, map[string]any{"publishers": out}, s.logger)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r)
	if limit <= 0 {
		limit = 20
	}
	entries, err := s.pubs.Leaderboard(limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	type leaderboardEntry struct {
		Rank      int               `json:"rank"`
		Publisher publisherResponse `json:"publisher"`
	}
	out := make([]leaderboardEntry, len(entries))
	for i, e := range entries {
		out[i] = leaderboardEntry{Rank: e.Rank, Publisher: toPublisherResponse(e.Publisher)}
	}
	writeJSON(w, map[string]any{"leaderboard": out}, s.logger)
}

func (s *Server) handleGetPublisher(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := s.pubs.Get(id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if p == nil {
		s.errorResponse(w, http.StatusNotFound, "publisher not found")
		return
	}
	writeJSON(w, toPublisherResponse(*p), s.logger)
}

func (s *Server) handlePublisherAlerts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := parseLimit(r)

	alerts, err := s.querySvc.PublisherAlerts(id, limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"alerts": alerts}, s.logger)
}

func (s *Server) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	key := bearerToken(r)
	if key == "" {
		s.errorResponse(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	pub, err := s.pubs.Authenticate(key)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if pub == nil {
		s.errorResponse(w, http.StatusUnauthorized, "invalid or inactive publisher key")
		return
	}
	writeJSON(w, toPublisherResponse(*pub), s.logger)
}
