package handler

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"bidding-tracker/internal/biddingerrors"
	"bidding-tracker/internal/metrics"
	"bidding-tracker/services/bidding/helpers"
	"bidding-tracker/utils"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
)

// MetricsSource is the telemetry the admin endpoints read and reset
type MetricsSource interface {
	WriteTo(w io.Writer) (int64, error)
	HotAuctions(limit int) []metrics.HotAuction
	Reset()
}

// HealthCheck reports whether one dependency is usable
type HealthCheck func(ctx context.Context) error

type AdminHandler struct {
	service BiddingServiceInterface
	metrics MetricsSource
	checks  map[string]HealthCheck
}

func NewAdminHandler(service BiddingServiceInterface, source MetricsSource, checks map[string]HealthCheck) *AdminHandler {
	return &AdminHandler{service: service, metrics: source, checks: checks}
}

// MetricsHandler handles GET /metrics
func (h *AdminHandler) MetricsHandler(c *gin.Context) {
	c.Header("Content-Type", metrics.ContentType)
	c.Status(http.StatusOK)
	if _, err := h.metrics.WriteTo(c.Writer); err != nil {
		utils.Warn("MetricsHandler: failed to write exposition", map[string]any{"error": err.Error()})
	}
}

// HotAuctionsHandler handles GET /admin/hot-auctions?limit=N
func (h *AdminHandler) HotAuctionsHandler(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			err = errors.Wrap(biddingerrors.ErrValidation, "limit must be an integer")
			utils.JSONError(c, http.StatusBadRequest, err, "limit must be an integer", string(biddingerrors.CodeValidation))
			return
		}
		limit = n
	}

	utils.JSONResponse(c, http.StatusOK, h.metrics.HotAuctions(limit), "hot auctions retrieved successfully")
}

// ResetMetricsHandler handles POST /admin/metrics/reset
func (h *AdminHandler) ResetMetricsHandler(c *gin.Context) {
	h.metrics.Reset()
	utils.JSONResponse(c, http.StatusOK, nil, "metrics reset")
	helpers.LogSuccess("ResetMetricsHandler", "metrics reset", map[string]any{
		"client_ip": c.ClientIP(),
		"admin_id":  c.GetString(helpers.CtxAdminKey),
	})
}

// SeedAuctionHandler handles POST /admin/auctions
func (h *AdminHandler) SeedAuctionHandler(c *gin.Context) {
	var req helpers.CreateAuctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		helpers.HandleBindError(c, "SeedAuctionHandler", err)
		return
	}

	auction, err := h.service.CreateAuction(c.Request.Context(), req.ToAuction())
	if err != nil {
		helpers.RespondError(c, err)
		utils.Warn("SeedAuctionHandler: failed to create auction", map[string]any{"auction_id": req.AuctionID, "error": err.Error()})
		return
	}

	utils.JSONResponse(c, http.StatusCreated, helpers.NewAuctionResponse(auction), "auction created successfully")
	helpers.LogSuccess("SeedAuctionHandler", "auction created successfully", map[string]any{
		"admin_id":   c.GetString(helpers.CtxAdminKey),
		"auction_id": auction.ID,
		"end_date":   auction.EndDate.Format(time.RFC3339),
	})
}

// HealthHandler handles GET /healthz
func (h *AdminHandler) HealthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	results := make(map[string]string, len(h.checks))
	status := http.StatusOK
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	message := "healthy"
	if status != http.StatusOK {
		message = "unhealthy"
		utils.Warn("HealthHandler: dependency check failed", map[string]any{"checks": results})
	}
	utils.JSONResponse(c, status, results, message)
}
