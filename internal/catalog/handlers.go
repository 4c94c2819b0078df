package catalog

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowgate/internal/logging"
)

// Handler provides HTTP handlers for the catalog API
type Handler struct {
	service *Service
}

// NewHandler creates a new catalog handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the catalog routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/catalog", h.ListListings)
	r.GET("/catalog/:id", h.GetListing)
	r.POST("/register", h.Register)
}

// ListListings handles GET /catalog
func (h *Handler) ListListings(c *gin.Context) {
	listings, err := h.service.List(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list catalog", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list catalog",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"listings": listings,
		"count":    len(listings),
		"assets":   h.service.Assets(),
	})
}

// GetListing handles GET /catalog/:id
func (h *Handler) GetListing(c *gin.Context) {
	l, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrListingNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Listing not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get listing",
		})
		return
	}
	c.JSON(http.StatusOK, l)
}

// Register handles POST /register
func (h *Handler) Register(c *gin.Context) {
	ctx := c.Request.Context()

	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	l, err := h.service.Register(ctx, req)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, l)
	case errors.Is(err, ErrListingExists):
		c.JSON(http.StatusConflict, gin.H{"error": "listing_exists", "message": err.Error()})
	case errors.Is(err, ErrAssetNotAllowed):
		c.JSON(http.StatusBadRequest, gin.H{"error": "asset_not_allowed", "message": err.Error()})
	case errors.Is(err, ErrInvalidListing):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	default:
		logging.L(ctx).Error("failed to register listing", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register listing",
		})
	}
}
