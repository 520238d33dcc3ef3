package settlement

import (
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-negotiation/internal/hub"
	"github.com/ksred/klear-negotiation/pkg/response"
)

func init() {
	// Amounts go over the wire as JSON numbers
	decimal.MarshalJSONWithoutQuotes = true
}

// displayOrder puts negotiations needing attention first
var displayOrder = map[Status]int{
	StatusDisputed: 0,
	StatusPending:  1,
	StatusAgreed:   2,
}

// SortForDisplay orders settlements disputed, pending, agreed, oldest first
// within a status. The engine itself returns unordered collections.
func SortForDisplay(settlements []Settlement) {
	sort.SliceStable(settlements, func(i, j int) bool {
		a, b := settlements[i], settlements[j]
		if displayOrder[a.Status] != displayOrder[b.Status] {
			return displayOrder[a.Status] < displayOrder[b.Status]
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.SettlementID < b.SettlementID
	})
}

// GinHandlers contains HTTP handlers for settlement endpoints
type GinHandlers struct {
	service *Service
	hub     *hub.Hub[Event]
}

func NewGinHandlers(service *Service, eventHub *hub.Hub[Event]) *GinHandlers {
	return &GinHandlers{
		service: service,
		hub:     eventHub,
	}
}

// ListSettlementsHandler handles GET /settlements/
func (h *GinHandlers) ListSettlementsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		settlements, err := h.service.List(c.Request.Context())
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		SortForDisplay(settlements)
		response.Success(c, settlements)
	}
}

// CreateSettlementHandler handles POST /settlements/.
// An optional Idempotency-Key header makes retries return the same settlement.
func (h *GinHandlers) CreateSettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request CreateRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			response.Handle(c, nil, validationError("amount is required: %v", err))
			return
		}

		settlement, replayed, err := h.service.ProposeIdempotent(c.Request.Context(), *request.Amount, c.GetHeader("Idempotency-Key"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if replayed {
			response.OK(c, settlement)
			return
		}
		response.Success(c, settlement)
	}
}

// GetSettlementHandler handles GET /settlements/:id
func (h *GinHandlers) GetSettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		settlement, err := h.service.Get(c.Request.Context(), c.Param("id"))
		response.Handle(c, settlement, err)
	}
}

// ReviseSettlementHandler handles PUT /settlements/:id/, the proposer's edit.
// Both the amount and the last_seen token of the revision being edited are
// required.
func (h *GinHandlers) ReviseSettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request ReviseRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			response.Handle(c, nil, validationError("amount and last_seen are required: %v", err))
			return
		}

		settlement, err := h.service.ReviseAmount(c.Request.Context(), c.Param("id"), *request.Amount, *request.LastSeen)
		response.Handle(c, settlement, err)
	}
}

// RespondHandler handles POST /settlements/:id/respond, the counterparty's
// accept or counter offer
func (h *GinHandlers) RespondHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request RespondRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			response.Handle(c, nil, validationError("accepted is required: %v", err))
			return
		}

		ctx := c.Request.Context()
		id := c.Param("id")

		var expected uint64
		if request.LastSeen != nil {
			expected = *request.LastSeen
		} else {
			current, err := h.service.Get(ctx, id)
			if err != nil {
				response.Handle(c, nil, err)
				return
			}
			expected = current.LastSeen
		}

		settlement, err := h.service.Respond(ctx, id, *request.Accepted, request.NewAmount, expected)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.OK(c, settlement)
	}
}

// RegisterRoutes mounts the settlement API and its event streams
func (h *GinHandlers) RegisterRoutes(router gin.IRouter) {
	settlements := router.Group("/settlements")
	{
		settlements.GET("/", h.ListSettlementsHandler())
		settlements.POST("/", h.CreateSettlementHandler())
		settlements.GET("/:id", h.GetSettlementHandler())
		settlements.PUT("/:id/", h.ReviseSettlementHandler())
		settlements.POST("/:id/respond", h.RespondHandler())
	}

	ws := router.Group("/ws")
	{
		ws.GET("/general", h.WebSocketHandler(GeneralTopic))
		ws.GET("/:id", h.WebSocketHandler(""))
	}

	events := router.Group("/events")
	{
		events.GET("/general", h.EventStreamHandler(GeneralTopic))
		events.GET("/:id", h.EventStreamHandler(""))
	}
}
