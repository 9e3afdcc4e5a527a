package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/phonginreallife/opsbridge/db"
	"github.com/phonginreallife/opsbridge/services"
)

type OutboxEnqueuer interface {
	EnqueueOutbox(ctx context.Context, req services.EnqueueRequest) (*db.OutboxEntry, error)
}

type TicketHandler struct {
	tickets OutboxEnqueuer
}

func NewTicketHandler(tickets OutboxEnqueuer) *TicketHandler {
	return &TicketHandler{tickets: tickets}
}

// Notify handles POST /tickets/:id/notify and queues a partner event for the ticket
func (h *TicketHandler) Notify(c *gin.Context) {
	var req services.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "hotel_id and a supported event_type are required")
		return
	}

	hotelID, ok := scopeHotel(c, req.HotelID)
	if !ok {
		abortWithError(c, http.StatusUnauthorized, "token is not valid for this hotel")
		return
	}
	req.HotelID = hotelID
	req.TicketID = c.Param("id")
	req.CreatedBy = c.GetString(userIDKey)

	entry, err := h.tickets.EnqueueOutbox(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	respond(c, gin.H{
		"outbox_id":  entry.ID,
		"event_id":   entry.EventID,
		"event_type": entry.EventType,
		"status":     entry.Status,
	})
}
