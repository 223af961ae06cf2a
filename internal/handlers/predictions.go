package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"jetpredict-app/internal/countdown"
	"jetpredict-app/internal/middleware"
	"jetpredict-app/internal/models"
	"jetpredict-app/internal/predictions"
)

type predictionRequest struct {
	RiskLevel string `json:"risk_level"`
	History   string `json:"history"`
	GameState string `json:"game_state"`
	LocalTime string `json:"local_time"`
}

type predictionResponse struct {
	Prediction *models.Prediction `json:"prediction"`
	Cached     bool               `json:"cached"`
	Board      []countdown.Row    `json:"board"`
}

func (h *Handler) RequestPrediction(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.UserFrom(r.Context())
	var req predictionRequest
	if !decode(w, r, &req) {
		return
	}
	risk, err := models.ParseRiskLevel(req.RiskLevel)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, cached, err := h.Predictions.Obtain(r.Context(), predictions.Input{
		UserID:    u.ID,
		RiskLevel: risk,
		History:   req.History,
		GameState: req.GameState,
		LocalTime: req.LocalTime,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if cached {
		status = http.StatusOK
	}
	writeJSON(w, status, predictionResponse{
		Prediction: p,
		Cached:     cached,
		Board:      countdown.Board(p, h.now().In(h.Predictions.Location())),
	})
}

// FreshPrediction returns today's prediction for a risk level, 404 if none
func (h *Handler) FreshPrediction(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.UserFrom(r.Context())
	risk, err := models.ParseRiskLevel(r.URL.Query().Get("risk_level"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := h.Predictions.FindFresh(r.Context(), u.ID, risk, h.now())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if p == nil {
		writeServiceError(w, r, predictions.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, predictionResponse{
		Prediction: p,
		Cached:     true,
		Board:      countdown.Board(p, h.now().In(h.Predictions.Location())),
	})
}

func (h *Handler) ListPredictions(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.UserFrom(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := h.Predictions.History(r.Context(), u.ID, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []models.Prediction{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) RequestStrategy(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.UserFrom(r.Context())
	var req struct {
		Slot string `json:"slot"`
	}
	if !decode(w, r, &req) {
		return
	}
	s, cached, err := h.Predictions.ObtainStrategy(r.Context(), u.ID, chi.URLParam(r, "id"), req.Slot)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if cached {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]interface{}{"strategy": s, "cached": cached})
}

func (h *Handler) Countdown(w http.ResponseWriter, r *http.Request) {
	u, _ := middleware.UserFrom(r.Context())
	p, err := h.Predictions.Get(r.Context(), u.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	now := h.now().In(h.Predictions.Location())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"board":   countdown.Board(p, now),
		"elapsed": countdown.Elapsed(p, now),
	})
}
