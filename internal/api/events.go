package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/patrickwarner/adeligibility/internal/adevents"
	"github.com/patrickwarner/adeligibility/internal/db"
	"github.com/patrickwarner/adeligibility/internal/middleware"
	"github.com/patrickwarner/adeligibility/internal/models"
)

// EventRequest is the body of POST /events. PlacementID may be omitted for a
// served confirmation, in which case a new one is assigned.
type EventRequest struct {
	PlacementID        string `json:"placement_id"`
	CreativeInstanceID string `json:"creative_instance_id"`
	AdType             string `json:"ad_type"`
	ConfirmationType   string `json:"confirmation_type"`
}

// EventResponse echoes the placement the event was recorded against.
type EventResponse struct {
	PlacementID string `json:"placement_id"`
}

// FireEventHandler handles POST /events.
func (s *Server) FireEventHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "events"
	const method = "POST"
	logger := middleware.LoggerFromRequest(r, s.Logger)

	defer func() { _ = r.Body.Close() }()
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.observe(endpoint, method, http.StatusBadRequest, start)
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	ct := models.ConfirmationType(req.ConfirmationType)
	if req.PlacementID == "" && ct == models.ConfirmationServed {
		req.PlacementID = uuid.NewString()
	}

	err := s.Events.Fire(r.Context(), req.PlacementID, req.CreativeInstanceID, models.AdType(req.AdType), ct)
	if err != nil {
		status := eventErrorStatus(err)
		logger.Warn("ad event rejected",
			zap.Error(err),
			zap.String("placement_id", req.PlacementID),
			zap.Int("status", status))
		s.observe(endpoint, method, status, start)
		writeError(w, status, err.Error())
		return
	}

	s.observe(endpoint, method, http.StatusOK, start)
	if err := writeJSON(w, http.StatusOK, EventResponse{PlacementID: req.PlacementID}); err != nil {
		logger.Error("encode event response", zap.Error(err))
	}
}

func eventErrorStatus(err error) int {
	switch {
	case errors.Is(err, adevents.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, adevents.ErrUnknownCreative):
		return http.StatusNotFound
	case errors.Is(err, adevents.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, db.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
