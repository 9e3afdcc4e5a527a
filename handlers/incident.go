package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/phonginreallife/opsbridge/services"
)

type AutopilotRunner interface {
	Run(ctx context.Context, req services.AutopilotRequest) (*services.AutopilotResult, error)
}

type KPIGenerator interface {
	Generate(ctx context.Context, req services.KPIRequest) (*services.KPIResult, error)
}

// IncidentHandler exposes the incident automation batches
type IncidentHandler struct {
	autopilot AutopilotRunner
	kpi       KPIGenerator
}

func NewIncidentHandler(autopilot AutopilotRunner, kpi KPIGenerator) *IncidentHandler {
	return &IncidentHandler{
		autopilot: autopilot,
		kpi:       kpi,
	}
}

// RunAutopilot handles POST /autopilot
func (h *IncidentHandler) RunAutopilot(c *gin.Context) {
	var req services.AutopilotRequest
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

	result, err := h.autopilot.Run(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	respond(c, gin.H{
		"processed_incidents": result.ProcessedIncidents,
		"auto_remediation":    result.AutoRemediation,
		"escalations":         result.Escalations,
	})
}

// GenerateWeeklyKPI handles POST /weekly-kpi
func (h *IncidentHandler) GenerateWeeklyKPI(c *gin.Context) {
	var req services.KPIRequest
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

	result, err := h.kpi.Generate(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	respond(c, gin.H{
		"week_start":      result.WeekStart,
		"week_end":        result.WeekEnd,
		"generated_count": len(result.Generated),
		"generated":       result.Generated,
	})
}
