package main

import (
	"github.com/spf13/cobra"

	"github.com/phonginreallife/opsbridge/services"
)

var (
	hotelID      string
	maxBatch     int
	maxIncidents int
	weekStart    string
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Deliver one batch of due outbox notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		result, err := rt.services.Dispatcher.Dispatch(cmd.Context(), services.DispatchRequest{HotelID: hotelID, MaxBatch: maxBatch})
		if err != nil {
			return err
		}
		return printJSON(cmd, result)
	},
}

var autopilotCmd = &cobra.Command{
	Use:   "autopilot",
	Short: "Run one remediation and escalation pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		result, err := rt.services.Autopilot.Run(cmd.Context(), services.AutopilotRequest{HotelID: hotelID, MaxIncidents: maxIncidents})
		if err != nil {
			return err
		}
		return printJSON(cmd, result)
	},
}

var kpiCmd = &cobra.Command{
	Use:   "kpi",
	Short: "Generate weekly KPI snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		result, err := rt.services.KPI.Generate(cmd.Context(), services.KPIRequest{HotelID: hotelID, WeekStart: weekStart})
		if err != nil {
			return err
		}
		return printJSON(cmd, result)
	},
}

func init() {
	for _, c := range []*cobra.Command{dispatchCmd, autopilotCmd, kpiCmd} {
		c.Flags().StringVar(&hotelID, "hotel-id", "", "limit the run to one tenant")
		rootCmd.AddCommand(c)
	}
	dispatchCmd.Flags().IntVar(&maxBatch, "max-batch", 0, "outbox entries to process (default from config)")
	autopilotCmd.Flags().IntVar(&maxIncidents, "max-incidents", 0, "incidents to process (default from config)")
	kpiCmd.Flags().StringVar(&weekStart, "week-start", "", "ISO week Monday, YYYY-MM-DD (default last week)")
}
