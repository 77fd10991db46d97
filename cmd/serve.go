package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackbox-obs/blackbox/internal/activity"
	"github.com/blackbox-obs/blackbox/internal/incidents"
	"github.com/blackbox-obs/blackbox/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the incident and activity read API server",
	Long:  `Serves the REST API for browsing incidents and request activities, including status transitions and curl reproduction commands.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := newLogger(cfg)

		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		var fallback *incidents.FallbackLog
		if cfg.Fallback.Enabled {
			fallback = incidents.NewFallbackLog(cfg.Fallback.Path)
		}

		incidentStore := incidents.NewStore(database, cfg.Capture.IncidentPrefix, fallback, log)
		activityStore := activity.NewStore(database)

		srv := server.New(cfg, database, incidentStore, activityStore, log)

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-sigCh:
			log.Info().Msg("shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
