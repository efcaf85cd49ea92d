package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coralreef/tito-station/internal/models"
	"github.com/coralreef/tito-station/internal/repository"
	"github.com/coralreef/tito-station/internal/ticket"
)

// Syncer is the slice of the sync engine the API needs
type Syncer interface {
	TriggerSync()
}

// AuditReader exposes the audit trail's read queries
type AuditReader interface {
	Recent(limit int) ([]*models.AuditEntry, error)
	ByActor(actorID string, limit int) ([]*models.AuditEntry, error)
	ByDateRange(from, to time.Time) ([]*models.AuditEntry, error)
}

// Handlers contains all HTTP request handlers
type Handlers struct {
	tickets  *ticket.Service
	trail    AuditReader
	vouchers *repository.VoucherRepository
	syncer   Syncer
	logger   *zap.Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(
	tickets *ticket.Service,
	trail AuditReader,
	vouchers *repository.VoucherRepository,
	syncer Syncer,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		tickets:  tickets,
		trail:    trail,
		vouchers: vouchers,
		syncer:   syncer,
		logger:   logger,
	}
}

// Response represents a standard JSON response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// IssueRequest is the issue endpoint's body
type IssueRequest struct {
	Amount   string `json:"amount" binding:"required"`
	Currency string `json:"currency" binding:"required"`
}

// RedeemRequest is the redeem endpoint's body
type RedeemRequest struct {
	Code           string `json:"code" binding:"required"`
	IntegrityProof string `json:"integrity_proof" binding:"required"`
}

// CancelRequest is the cancel endpoint's body
type CancelRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "tito-station",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// Issue handles POST /api/v1/vouchers
func (h *Handlers) Issue(c *gin.Context) {
	var req IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Error: err.Error()})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, Response{Error: "amount is not a valid decimal"})
		return
	}

	v, err := h.tickets.Issue(c.Request.Context(), ticket.IssueRequest{
		Amount:    amount,
		Currency:  models.Currency(req.Currency),
		StationID: stationID(c),
		ActorID:   actorID(c),
	})
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, Response{Success: true, Data: v})
}

// Redeem handles POST /api/v1/vouchers/redeem
func (h *Handlers) Redeem(c *gin.Context) {
	var req RedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Error: err.Error()})
		return
	}

	v, err := h.tickets.Redeem(c.Request.Context(), ticket.RedeemRequest{
		Code:           req.Code,
		IntegrityProof: req.IntegrityProof,
		StationID:      stationID(c),
		ActorID:        actorID(c),
	})
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: v})
}

// Cancel handles POST /api/v1/vouchers/:code/cancel
func (h *Handlers) Cancel(c *gin.Context) {
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Error: err.Error()})
		return
	}

	v, err := h.tickets.Cancel(c.Request.Context(), c.Param("code"), req.Reason, actorID(c))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: v})
}

// GetVoucher handles GET /api/v1/vouchers/:code
func (h *Handlers) GetVoucher(c *gin.Context) {
	v, err := h.tickets.GetByCode(c.Param("code"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: v})
}

// ForceSync handles POST /api/v1/sync. The request coalesces with any
// pass already in flight.
func (h *Handlers) ForceSync(c *gin.Context) {
	h.syncer.TriggerSync()
	c.JSON(http.StatusAccepted, Response{Success: true, Data: gin.H{"message": "sync requested"}})
}

// maxAuditLimit caps the page size a caller may request
const maxAuditLimit = 1000

// Audit handles GET /api/v1/audit with optional actor/from/to filters
func (h *Handlers) Audit(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, Response{Error: "limit must be a positive integer"})
			return
		}
		limit = parsed
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}

	fromRaw, toRaw := c.Query("from"), c.Query("to")
	if fromRaw != "" || toRaw != "" {
		from, err := time.Parse(time.RFC3339, fromRaw)
		if err != nil {
			c.JSON(http.StatusBadRequest, Response{Error: "from must be RFC3339"})
			return
		}
		to, err := time.Parse(time.RFC3339, toRaw)
		if err != nil {
			c.JSON(http.StatusBadRequest, Response{Error: "to must be RFC3339"})
			return
		}
		entries, err := h.trail.ByDateRange(from, to)
		if err != nil {
			h.renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, Response{Success: true, Data: entries})
		return
	}

	if actor := c.Query("actor"); actor != "" {
		entries, err := h.trail.ByActor(actor, limit)
		if err != nil {
			h.renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, Response{Success: true, Data: entries})
		return
	}

	entries, err := h.trail.Recent(limit)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: entries})
}

// StatsToday handles GET /api/v1/stats/today
func (h *Handlers) StatsToday(c *gin.Context) {
	counts, err := h.vouchers.StatusCounts()
	if err != nil {
		h.renderError(c, err)
		return
	}

	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	totals, err := h.vouchers.RedeemedTotals(midnight)
	if err != nil {
		h.renderError(c, err)
		return
	}

	redeemedTotals := make(map[string]string, len(totals))
	for currency, total := range totals {
		redeemedTotals[currency.String()] = total.String()
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: gin.H{
		"active":         counts[models.StatusActive],
		"redeemed":       counts[models.StatusRedeemed],
		"cancelled":      counts[models.StatusCancelled],
		"expired":        counts[models.StatusExpired],
		"redeemed_today": redeemedTotals,
	}})
}

// renderError maps domain errors onto HTTP statuses
func (h *Handlers) renderError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ticket.ErrInvalidAmount),
		errors.Is(err, ticket.ErrUnsupportedCurrency):
		status = http.StatusBadRequest
	case errors.Is(err, ticket.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ticket.ErrAlreadyRedeemed),
		errors.Is(err, ticket.ErrAlreadyCancelled),
		errors.Is(err, ticket.ErrExpired):
		status = http.StatusConflict
	case errors.Is(err, ticket.ErrIntegrityMismatch):
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.Error(err))
	}
	c.JSON(status, Response{Error: err.Error()})
}

func actorID(c *gin.Context) string {
	return c.GetHeader("X-Actor-ID")
}

func stationID(c *gin.Context) string {
	return c.GetHeader("X-Station-ID")
}
