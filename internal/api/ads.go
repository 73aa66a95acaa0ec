package api

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adeligibility/internal/db"
	"github.com/patrickwarner/adeligibility/internal/logic"
	"github.com/patrickwarner/adeligibility/internal/logic/selectors"
	"github.com/patrickwarner/adeligibility/internal/middleware"
	"github.com/patrickwarner/adeligibility/internal/models"
)

// AdsResponse is the body of GET /ads.
type AdsResponse struct {
	HadOpportunity bool                `json:"had_opportunity"`
	Ads            []models.CreativeAd `json:"ads"`
	Debug          *DebugInfo          `json:"debug,omitempty"`
}

// DebugInfo carries the selection trace when debugging is on.
type DebugInfo struct {
	Trace logic.SelectionTrace `json:"trace"`
}

// GetAdsHandler handles GET /ads. Segments are comma separated lists in the
// interest, intent and latent parameters; embedding is a comma separated
// vector. visited lists the URLs the user browsed recently, and the region is
// resolved from the client address when a GeoIP database is configured.
func (s *Server) GetAdsHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "ads"
	const method = "GET"
	logger := middleware.LoggerFromRequest(r, s.Logger)

	user, err := userModelFromQuery(r.URL.Query())
	if err != nil {
		logger.Warn("bad ads request", zap.Error(err))
		s.observe(endpoint, method, http.StatusBadRequest, start)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := selectors.WithRequestSignals(r.Context(), s.requestSignals(r))

	debug := s.DebugTrace || r.URL.Query().Get("debug") == "1"
	var trace logic.SelectionTrace
	var (
		hadOpportunity bool
		ads            []models.CreativeAd
	)
	if debug {
		hadOpportunity, ads, err = s.Selector.GetForUserModelWithTrace(ctx, user, &trace)
	} else {
		hadOpportunity, ads, err = s.Selector.GetForUserModel(ctx, user)
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, db.ErrStorageUnavailable) {
			status = http.StatusServiceUnavailable
		}
		logger.Error("selection failed", zap.Error(err), zap.Bool("had_opportunity", hadOpportunity))
		s.observe(endpoint, method, status, start)
		writeError(w, status, "selection failed")
		return
	}

	resp := AdsResponse{HadOpportunity: hadOpportunity, Ads: ads}
	if resp.Ads == nil {
		resp.Ads = []models.CreativeAd{}
	}
	if debug {
		resp.Debug = &DebugInfo{Trace: trace}
	}
	s.observe(endpoint, method, http.StatusOK, start)
	if err := writeJSON(w, http.StatusOK, resp); err != nil {
		logger.Error("encode ads response", zap.Error(err))
	}
}

// requestSignals collects the browsing history and region of the caller.
func (s *Server) requestSignals(r *http.Request) selectors.RequestSignals {
	var sig selectors.RequestSignals
	if visited := splitList(r.URL.Query().Get("visited")); len(visited) > 0 {
		sig.BrowsingHistory = models.StaticBrowsingHistory(visited)
	}
	if s.GeoIP != nil {
		sig.Region = models.StaticRegion(s.GeoIP.Subdivision(clientIP(r)))
	}
	return sig
}

// clientIP prefers the first X-Forwarded-For hop over the peer address.
func clientIP(r *http.Request) net.IP {
	ipStr := r.Header.Get("X-Forwarded-For")
	if i := strings.Index(ipStr, ","); i >= 0 {
		ipStr = ipStr[:i]
	}
	ipStr = strings.TrimSpace(ipStr)
	if ipStr == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ipStr = host
	}
	return net.ParseIP(ipStr)
}

func userModelFromQuery(q url.Values) (models.UserModel, error) {
	user := models.UserModel{
		InterestSegments:       splitList(q.Get("interest")),
		IntentSegments:         splitList(q.Get("intent")),
		LatentInterestSegments: splitList(q.Get("latent")),
	}
	for _, v := range splitList(q.Get("embedding")) {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return models.UserModel{}, fmt.Errorf("invalid embedding value %q", v)
		}
		user.TextEmbedding = append(user.TextEmbedding, float32(f))
	}
	return user, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
