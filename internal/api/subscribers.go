package api

import (
	"encoding/json"
	"net/http"

	"github.com/nugget/pulsewire/internal/subscriberregistry"
)

// subscriberResponse is the wire shape for a subscriber record.
type subscriberResponse struct {
	ID             string   `json:"id"`
	Channels       []string `json:"channels"`
	Balance        float64  `json:"balance"`
	AlertsReceived int64    `json:"alertsReceived"`
	Active         bool     `json:"active"`
	OnChain        bool     `json:"onChain"`
	WalletAddress  string   `json:"walletAddress,omitempty"`
	WebhookURL     string   `json:"webhookUrl,omitempty"`
}

func toSubscriberResponse(s *subscriberregistry.Subscriber) subscriberResponse {
	return subscriberResponse{
		ID:             s.ID,
		Channels:       s.Channels,
		Balance:        s.Balance,
		AlertsReceived: s.AlertsReceived,
		Active:         s.Active,
		OnChain:        s.OnChain,
		WalletAddress:  s.WalletAddress,
		WebhookURL:     s.WebhookURL,
	}
}

type subscribeRequest struct {
	Channels      []string `json:"channels"`
	WalletAddress string   `json:"walletAddress,omitempty"`
	WebhookURL    string   `json:"webhookUrl,omitempty"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sub, err := s.subs.Subscribe(r.Context(), subscriberregistry.SubscribeParams{
		Channels:      req.Channels,
		WalletAddress: req.WalletAddress,
		WebhookURL:    req.WebhookURL,
	})
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, toSubscriberResponse(sub), s.logger)
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sub, err := s.subs.Get(id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sub == nil {
		s.errorResponse(w, http.StatusNotFound, "subscriber not found")
		return
	}
	writeJSON(w, toSubscriberResponse(sub), s.logger)
}

type updateChannelsRequest struct {
	Channels []string `json:"channels"`
}

func (s *Server) handleUpdateChannels(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req updateChannelsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sub, err := s.subs.UpdateChannels(id, req.Channels)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sub == nil {
		s.errorResponse(w, http.StatusNotFound, "subscriber not found")
		return
	}
	writeJSON(w, toSubscriberResponse(sub), s.logger)
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := s.subs.Deactivate(id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "subscriber not found")
		return
	}
	writeJSON(w, map[string]bool{"deactivated": true}, s.logger)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sub, err := s.subs.GetBalance(r.Context(), id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sub == nil {
		s.errorResponse(w, http.StatusNotFound, "subscriber not found")
		return
	}
	writeJSON(w, map[string]any{
		"balance":        sub.Balance,
		"alertsReceived": sub.AlertsReceived,
	}, s.logger)
}

type depositRequest struct {
	Amount float64 `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Amount <= 0 {
		s.errorResponse(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	sub, err := s.subs.Deposit(id, req.Amount)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if sub == nil {
		s.errorResponse(w, http.StatusNotFound, "subscriber not found")
		return
	}
	writeJSON(w, toSubscriberResponse(sub), s.logger)
}
