package router

import (
	"database/sql"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/phonginreallife/opsbridge/handlers"
	"github.com/phonginreallife/opsbridge/internal/config"
	"github.com/phonginreallife/opsbridge/services"
)

// Services groups the components the HTTP surface calls into
type Services struct {
	Callbacks  handlers.CallbackReceiver
	Dispatcher handlers.OutboxDispatcher
	Autopilot  handlers.AutopilotRunner
	KPI        handlers.KPIGenerator
	Tickets    handlers.OutboxEnqueuer
	Identity   *services.IdentityService
}

// NewServices builds every service from one loaded config
func NewServices(pg *sql.DB, cfg *config.Config, remediator services.Remediator) Services {
	partner := services.NewPartnerClient(cfg.Bridge)
	remediation := services.NewRemediationService(pg, remediator)
	escalation := services.NewEscalationService(pg)

	return Services{
		Callbacks:  services.NewCallbackService(pg, cfg.Bridge),
		Dispatcher: services.NewDispatcherService(pg, partner, cfg.Bridge),
		Autopilot:  services.NewAutopilotService(pg, remediation, escalation, cfg.Autopilot.MaxIncidents),
		KPI:        services.NewKPIService(pg),
		Tickets:    services.NewTicketService(pg, cfg.Bridge.MaxAttempts),
		Identity:   services.NewIdentityService(cfg.Auth),
	}
}

func NewGinRouter(pg *sql.DB, cfg *config.Config, svc Services) *gin.Engine {
	r := gin.Default()
	r.Use(handlers.RequestID())

	bridgeHandler := handlers.NewBridgeHandler(svc.Callbacks, svc.Dispatcher)
	incidentHandler := handlers.NewIncidentHandler(svc.Autopilot, svc.KPI)
	ticketHandler := handlers.NewTicketHandler(svc.Tickets)
	operatorAuth := handlers.NewOperatorAuth(cfg.Autopilot, svc.Identity)

	r.GET("/healthz", func(c *gin.Context) {
		if err := pg.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": "unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Partner callbacks authenticate with the HMAC signature, not operator auth
	r.Any("/callback", bridgeHandler.ReceiveCallback)

	protected := r.Group("/")
	protected.Use(operatorAuth.Middleware())
	{
		protected.POST("/dispatch", bridgeHandler.Dispatch)
		protected.POST("/autopilot", incidentHandler.RunAutopilot)
		protected.POST("/weekly-kpi", incidentHandler.GenerateWeeklyKPI)
		protected.POST("/tickets/:id/notify", ticketHandler.Notify)
	}

	return r
}
