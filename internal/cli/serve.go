package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lazypower/hotmem/internal/schedule"
	"github.com/lazypower/hotmem/internal/server"
)

var (
	serveSchedule bool
	serveAddr     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long:  "Serve the memory API. With --schedule, also run extraction, health and lint on their configured cron expressions.",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	addr := serveAddr
	if addr == "" {
		addr = a.Config.ListenAddr()
	}

	if serveSchedule {
		timeout := time.Duration(a.Config.Pipeline.TimeoutSeconds) * time.Second
		sched := schedule.New(a, a.Notifier, timeout)
		if err := sched.Register(a.Config.Schedule); err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()
		log.Info().Int("jobs", sched.Entries()).Msg("scheduler started")
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.New(a, VersionString()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("store", a.Store.Path()).Bool("dry_run", dryRun).Msg("hotmem serving")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-done:
	}
	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}

func init() {
	serveCmd.Flags().BoolVar(&serveSchedule, "schedule", false, "run scheduled jobs alongside the server")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
}
