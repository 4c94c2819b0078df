package escrow

import (
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowgate/internal/attest"
	"github.com/mbd888/escrowgate/internal/auth"
	"github.com/mbd888/escrowgate/internal/validation"
)

// Handler exposes the local ledger over HTTP. Writes require a request
// signature; the signer is the caller principal.
type Handler struct {
	service  *Service
	accounts Accounts
	faucet   bool
}

// NewHandler creates a new ledger handler. accounts may be nil when balances
// are not served.
func NewHandler(service *Service, accounts Accounts) *Handler {
	return &Handler{service: service, accounts: accounts}
}

// WithFaucet enables POST /ledger/faucet for development.
func (h *Handler) WithFaucet(enabled bool) *Handler {
	h.faucet = enabled
	return h
}

// RegisterRoutes sets up public (read-only) ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ledger/escrows/:id", h.GetEscrow)
	r.GET("/ledger/escrows/:id/events", h.ListEscrowEvents)
	r.GET("/ledger/events", h.ListEvents)
	r.GET("/ledger/principals/:address/escrows", validation.AddressParamMiddleware(), h.ListEscrows)
	r.GET("/ledger/principals/:address/balance", validation.AddressParamMiddleware(), h.GetBalance)
	r.GET("/ledger/status", h.Status)
}

// RegisterProtectedRoutes sets up signed ledger routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/ledger/escrows", h.CreateEscrow)
	r.POST("/ledger/escrows/:id/deliver", h.ConfirmDelivery)
	r.POST("/ledger/escrows/:id/receive", h.ConfirmReceived)
	r.POST("/ledger/escrows/:id/claim", h.ClaimTimeout)
	r.POST("/ledger/escrows/:id/refund", h.Refund)
	if h.faucet {
		r.POST("/ledger/faucet", h.Faucet)
	}
}

// CreateEscrowRequest is the body of POST /ledger/escrows. Amount is in base
// units.
type CreateEscrowRequest struct {
	Provider    string `json:"provider" binding:"required"`
	Endpoint    string `json:"endpoint"`
	TimeoutSecs int64  `json:"timeoutSecs" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Asset       string `json:"asset"`
}

// HashRequest is the body of the deliver and receive routes.
type HashRequest struct {
	Hash string `json:"hash" binding:"required"`
}

// FaucetRequest is the body of POST /ledger/faucet.
type FaucetRequest struct {
	Amount string `json:"amount" binding:"required"`
	Asset  string `json:"asset"`
}

// CreateEscrow handles POST /ledger/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("provider", req.Provider),
		validation.ValidBaseUnits("amount", req.Amount),
		validation.MaxLength("endpoint", req.Endpoint, 512),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	amount, _ := new(big.Int).SetString(req.Amount, 10)

	e, err := h.service.CreateEscrow(c.Request.Context(), caller(c), CreateRequest{
		Provider: NewPrincipal(req.Provider),
		Endpoint: req.Endpoint,
		Timeout:  time.Duration(req.TimeoutSecs) * time.Second,
		Amount:   amount,
		Asset:    ParseAsset(req.Asset),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}

// GetEscrow handles GET /ledger/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	e, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ListEscrowEvents handles GET /ledger/escrows/:id/events
func (h *Handler) ListEscrowEvents(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	events, err := h.service.Events().ByEscrow(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// ListEvents handles GET /ledger/events?since=N&limit=M
func (h *Handler) ListEvents(c *gin.Context) {
	since, _ := strconv.ParseInt(c.Query("since"), 10, 64)
	limit, _ := strconv.Atoi(c.Query("limit"))
	events, err := h.service.Events().Since(c.Request.Context(), since, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// ListEscrows handles GET /ledger/principals/:address/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	escrows, err := h.service.ListByPrincipal(c.Request.Context(), NewPrincipal(c.Param("address")), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// GetBalance handles GET /ledger/principals/:address/balance?asset=
func (h *Handler) GetBalance(c *gin.Context) {
	if h.accounts == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Balances not available"})
		return
	}
	asset := ParseAsset(c.Query("asset"))
	bal, err := h.accounts.BalanceOf(c.Request.Context(), NewPrincipal(c.Param("address")), asset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"principal": NewPrincipal(c.Param("address")),
		"asset":     asset.Key(),
		"balance":   bal.String(),
	})
}

// Status handles GET /ledger/status
func (h *Handler) Status(c *gin.Context) {
	bps, recipient := h.service.Fee()
	c.JSON(http.StatusOK, gin.H{
		"paused":       h.service.Paused(),
		"feeBps":       bps,
		"feeRecipient": recipient,
		"operator":     h.service.Operator(),
	})
}

// ConfirmDelivery handles POST /ledger/escrows/:id/deliver
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	id, hash, ok := idAndHash(c)
	if !ok {
		return
	}
	e, err := h.service.ConfirmDelivery(c.Request.Context(), caller(c), id, hash)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ConfirmReceived handles POST /ledger/escrows/:id/receive
func (h *Handler) ConfirmReceived(c *gin.Context) {
	id, hash, ok := idAndHash(c)
	if !ok {
		return
	}
	e, matched, err := h.service.ConfirmReceived(c.Request.Context(), caller(c), id, hash)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e, "matched": matched})
}

// ClaimTimeout handles POST /ledger/escrows/:id/claim
func (h *Handler) ClaimTimeout(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	e, err := h.service.ClaimTimeout(c.Request.Context(), caller(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// Refund handles POST /ledger/escrows/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	e, err := h.service.Refund(c.Request.Context(), caller(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// Faucet handles POST /ledger/faucet (development only).
func (h *Handler) Faucet(c *gin.Context) {
	var req FaucetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(validation.ValidBaseUnits("amount", req.Amount)); len(errs) > 0 {
		invalidRequest(c, errs.Error())
		return
	}
	amount, _ := new(big.Int).SetString(req.Amount, 10)
	asset := ParseAsset(req.Asset)
	ctx := c.Request.Context()
	if err := h.accounts.Credit(ctx, caller(c), asset, amount); err != nil {
		writeError(c, err)
		return
	}
	bal, err := h.accounts.BalanceOf(ctx, caller(c), asset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"principal": caller(c),
		"asset":     asset.Key(),
		"balance":   bal.String(),
	})
}

func caller(c *gin.Context) Principal {
	return NewPrincipal(auth.Principal(c))
}

func escrowID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "escrow_not_found",
			"message": "Escrow id must be a non-negative integer",
		})
		return 0, false
	}
	return id, true
}

func idAndHash(c *gin.Context) (uint64, attest.Hash, bool) {
	id, ok := escrowID(c)
	if !ok {
		return 0, attest.Hash{}, false
	}
	var req HashRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "Invalid request body")
		return 0, attest.Hash{}, false
	}
	hash, err := attest.ParseHash(req.Hash)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_hash", "message": err.Error()})
		return 0, attest.Hash{}, false
	}
	return id, hash, true
}

func invalidRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": msg,
	})
}

func writeError(c *gin.Context, err error) {
	status, code := ErrorCode(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal ledger error"
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}
