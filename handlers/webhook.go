package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/phonginreallife/opsbridge/services"
)

// maxCallbackBody bounds partner callback bodies
const maxCallbackBody = 1 << 20

type CallbackReceiver interface {
	Receive(ctx context.Context, req services.CallbackRequest) (*services.CallbackResult, error)
}

type OutboxDispatcher interface {
	Dispatch(ctx context.Context, req services.DispatchRequest) (services.DispatchResult, error)
}

// BridgeHandler serves the partner-facing callback and the dispatch trigger
type BridgeHandler struct {
	callbacks  CallbackReceiver
	dispatcher OutboxDispatcher
}

func NewBridgeHandler(callbacks CallbackReceiver, dispatcher OutboxDispatcher) *BridgeHandler {
	return &BridgeHandler{
		callbacks:  callbacks,
		dispatcher: dispatcher,
	}
}

// ReceiveCallback handles POST /callback from the remediation partner.
// The raw body is kept intact because the signature covers it byte for byte.
func (h *BridgeHandler) ReceiveCallback(c *gin.Context) {
	if c.Request.Method != http.MethodPost {
		c.Header("Allow", http.MethodPost)
		abortWithError(c, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxCallbackBody))
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "unable to read request body")
		return
	}

	result, err := h.callbacks.Receive(c.Request.Context(), services.CallbackRequest{
		Headers:   c.Request.Header,
		Body:      body,
		RequestID: requestID(c),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	respond(c, gin.H{
		"event_id":  result.EventID,
		"ticket_id": result.TicketID,
		"status":    result.Status,
		"duplicate": result.Duplicate,
		"ignored":   result.Ignored,
	})
}

// Dispatch handles POST /dispatch
func (h *BridgeHandler) Dispatch(c *gin.Context) {
	var req services.DispatchRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid request body")
		return
	}

	hotelID, ok := scopeHotel(c, req.HotelID)
	if !ok {
		abortWithError(c, http.StatusUnauthorized, "token is not valid for this hotel")
		return
	}
	req.HotelID = hotelID

	result, err := h.dispatcher.Dispatch(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	respond(c, gin.H{
		"processed": result.Processed,
		"sent":      result.Sent,
		"failed":    result.Failed,
		"ignored":   result.Ignored,
		"reclaimed": result.Reclaimed,
	})
}
