package workers

import (
	"context"
	"log"
	"time"

	"github.com/phonginreallife/opsbridge/services"
)

// runEvery calls fn immediately and then on every tick until ctx is cancelled.
// A failed run is logged and retried on the next tick.
func runEvery(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context) error) {
	log.Printf("%s worker started, running every %s", name, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := fn(ctx); err != nil {
			log.Printf("%s worker: run failed: %v", name, err)
		}

		select {
		case <-ctx.Done():
			log.Printf("%s worker stopped", name)
			return
		case <-ticker.C:
		}
	}
}

type autopilotRunner interface {
	Run(ctx context.Context, req services.AutopilotRequest) (*services.AutopilotResult, error)
}

type kpiGenerator interface {
	Generate(ctx context.Context, req services.KPIRequest) (*services.KPIResult, error)
}

// IncidentWorker drives the autopilot batch and the weekly KPI rollup
type IncidentWorker struct {
	Autopilot         autopilotRunner
	KPI               kpiGenerator
	AutopilotInterval time.Duration
	KPIInterval       time.Duration
}

func NewIncidentWorker(autopilot autopilotRunner, kpi kpiGenerator, autopilotInterval, kpiInterval time.Duration) *IncidentWorker {
	return &IncidentWorker{
		Autopilot:         autopilot,
		KPI:               kpi,
		AutopilotInterval: autopilotInterval,
		KPIInterval:       kpiInterval,
	}
}

// StartAutopilotWorker runs remediation and escalation across all tenants
func (w *IncidentWorker) StartAutopilotWorker(ctx context.Context) {
	runEvery(ctx, "Autopilot", w.AutopilotInterval, func(ctx context.Context) error {
		_, err := w.Autopilot.Run(ctx, services.AutopilotRequest{})
		return err
	})
}

// StartKPIWorker regenerates last week's snapshots. Reruns are idempotent upserts.
func (w *IncidentWorker) StartKPIWorker(ctx context.Context) {
	runEvery(ctx, "KPI", w.KPIInterval, func(ctx context.Context) error {
		_, err := w.KPI.Generate(ctx, services.KPIRequest{})
		return err
	})
}
