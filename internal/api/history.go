package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adeligibility/internal/middleware"
	"github.com/patrickwarner/adeligibility/internal/models"
)

// HistoryResponse lists the retained timestamps for one bucket.
type HistoryResponse struct {
	AdType           models.AdType           `json:"ad_type"`
	ConfirmationType models.ConfirmationType `json:"confirmation_type"`
	Timestamps       []time.Time             `json:"timestamps"`
}

// HistoryHandler handles GET /history?ad_type=..&confirmation_type=..
func (s *Server) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "history"
	const method = "GET"
	logger := middleware.LoggerFromRequest(r, s.Logger)

	adType, err := models.ParseAdType(r.URL.Query().Get("ad_type"))
	if err != nil {
		s.observe(endpoint, method, http.StatusBadRequest, start)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ct, err := models.ParseConfirmationType(r.URL.Query().Get("confirmation_type"))
	if err != nil {
		s.observe(endpoint, method, http.StatusBadRequest, start)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := HistoryResponse{AdType: adType, ConfirmationType: ct, Timestamps: []time.Time{}}
	if s.History != nil {
		if ts := s.History.Query(adType, ct); ts != nil {
			resp.Timestamps = ts
		}
	}
	s.observe(endpoint, method, http.StatusOK, start)
	if err := writeJSON(w, http.StatusOK, resp); err != nil {
		logger.Error("encode history response", zap.Error(err))
	}
}
