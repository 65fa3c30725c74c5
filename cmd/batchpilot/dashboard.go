package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/anthropics/batchpilot/internal/dashboard"
)

func dashboardCmd() *cobra.Command {
	var (
		port       int
		foreground bool
		stop       bool
	)

	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Start or stop the monitoring dashboard",
		Long: `Start the HTTP dashboard serving job progress, unit details, live
activity, logs and metrics. By default it runs as a background process;
use --foreground to serve in this terminal, --stop to shut it down.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port == 0 {
				port = cfg.DashboardPort
			}

			if stop {
				if dashboard.Stop(cfg.StoragePath) {
					fmt.Println("Dashboard stopped.")
				} else {
					fmt.Println("No running dashboard found.")
				}
				return nil
			}

			if !foreground {
				pid, err := dashboard.StartDetached(cfg.StoragePath, port)
				if err != nil {
					return err
				}
				fmt.Printf("Dashboard running at http://localhost:%d (PID %d)\n", port, pid)
				return nil
			}

			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := dashboard.WritePIDFile(cfg.StoragePath); err != nil {
				return err
			}
			defer dashboard.RemovePIDFile(cfg.StoragePath)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			fmt.Printf("Serving dashboard on :%d\n", port)
			return dashboard.New(st, port).Run(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "Port to listen on (default from config)")
	cmd.Flags().BoolVar(&foreground, "foreground", false, "Serve in the foreground")
	cmd.Flags().BoolVar(&stop, "stop", false, "Stop a running dashboard")
	return cmd
}
