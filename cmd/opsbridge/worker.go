package main

import (
	"context"
	"log"
	"sync"

	"github.com/spf13/cobra"

	"github.com/phonginreallife/opsbridge/workers"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the dispatch, autopilot and KPI loops until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		startWorkers(ctx, rt)
		log.Println("All workers stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func startWorkers(ctx context.Context, rt *runtime) {
	notificationWorker := workers.NewNotificationWorker(rt.services.Dispatcher, rt.cfg.Bridge.DispatchEvery)
	incidentWorker := workers.NewIncidentWorker(rt.services.Autopilot, rt.services.KPI,
		rt.cfg.Autopilot.Interval, rt.cfg.KPI.Interval)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		notificationWorker.StartNotificationWorker(ctx)
	}()
	go func() {
		defer wg.Done()
		incidentWorker.StartAutopilotWorker(ctx)
	}()
	go func() {
		defer wg.Done()
		incidentWorker.StartKPIWorker(ctx)
	}()
	wg.Wait()
}
