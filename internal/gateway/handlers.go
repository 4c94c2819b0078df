package gateway

import (
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowgate/internal/apperr"
	"github.com/mbd888/escrowgate/internal/circuitbreaker"
	"github.com/mbd888/escrowgate/internal/ledger"
	"github.com/mbd888/escrowgate/internal/logging"
	"github.com/mbd888/escrowgate/internal/pagination"
	"github.com/mbd888/escrowgate/pkg/x402"
)

// Handler provides HTTP endpoints for the gateway.
type Handler struct {
	service *Service
}

// NewHandler creates a new gateway handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the proxy and mediation log routes. The proxy is
// unauthenticated: the escrow reference is the credential.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.Any("/proxy/:listingId/*subpath", h.Proxy)
	r.GET("/mediations", h.ListRecent)
	r.GET("/mediations/:escrowId", h.ListMediations)
}

// Proxy handles ANY /proxy/:listingId/*subpath
func (h *Handler) Proxy(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestSize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Failed to read request body"})
		return
	}
	if len(body) > maxRequestSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "invalid_request", "message": "Request body too large"})
		return
	}

	ref, _ := x402.EscrowRef(c.Request)
	rawQuery := c.Request.URL.RawQuery
	if q := c.Request.URL.Query(); q.Has(x402.QueryEscrowID) {
		q.Del(x402.QueryEscrowID)
		rawQuery = q.Encode()
	}

	res, err := h.service.Mediate(c.Request.Context(), Request{
		ListingID: c.Param("listingId"),
		Subpath:   c.Param("subpath"),
		Method:    c.Request.Method,
		RawQuery:  rawQuery,
		Header:    c.Request.Header,
		Body:      body,
		EscrowRef: ref,
		RequestID: logging.RequestID(c.Request.Context()),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	if res.Demand != nil {
		res.Demand.SetHeaders(c.Writer.Header())
		c.JSON(http.StatusPaymentRequired, res.Demand)
		return
	}

	contentType := res.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header(x402.HeaderDataHash, res.DataHash.Hex())
	c.Header(x402.HeaderEscrowID, ledger.FormatID(res.EscrowID))
	c.Data(http.StatusOK, contentType, res.Body)
}

// ListMediations handles GET /mediations/:escrowId
func (h *Handler) ListMediations(c *gin.Context) {
	id, err := ledger.ParseID(c.Param("escrowId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Escrow id must be a non-negative integer"})
		return
	}
	logs, err := h.service.ListMediations(c.Request.Context(), id, queryLimit(c, 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list mediations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mediations": logs, "count": len(logs)})
}

// ListRecent handles GET /mediations
func (h *Handler) ListRecent(c *gin.Context) {
	logs, next, err := h.service.RecentMediations(c.Request.Context(), queryLimit(c, 50), c.Query("cursor"))
	if errors.Is(err, pagination.ErrInvalidCursor) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid cursor"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list mediations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mediations": logs, "count": len(logs), "nextCursor": next, "hasMore": next != ""})
}

func queryLimit(c *gin.Context, def int) int {
	limit := def
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 500 {
				limit = 500
			}
		}
	}
	return limit
}

// writeError renders an apperr failure. Internal details stay in the logs;
// the body carries the kind, a short message and any escrow context.
func writeError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)

	msg := "internal error"
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Err != nil {
		msg = ae.Err.Error()
	}
	switch kind {
	case apperr.LedgerCallFailed:
		if errors.Is(err, ErrDeliveryNotRecorded) {
			msg = ErrDeliveryNotRecorded.Error()
		} else {
			msg = "ledger unavailable"
		}
	case apperr.UpstreamCallFailed:
		msg = "upstream call failed"
	case apperr.Unknown, apperr.RegistryError:
		msg = "internal error"
	}

	var open *circuitbreaker.OpenError
	if errors.As(err, &open) {
		if secs := int(math.Ceil(time.Until(open.RetryAt).Seconds())); secs > 0 {
			c.Header("Retry-After", strconv.Itoa(secs))
		}
	}

	resp := gin.H{"error": string(kind), "message": msg}
	ctxFields := apperr.ContextOf(err)
	if v, ok := ctxFields["escrowId"]; ok {
		resp["escrowId"] = v
	}
	if v, ok := ctxFields["dataHash"]; ok {
		resp["dataHash"] = v
	}
	if status >= http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("mediation failed", "status", status, "error", err)
	}
	c.JSON(status, resp)
}
