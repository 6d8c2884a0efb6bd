package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dativo-io/guardrail/internal/config"
	"github.com/dativo-io/guardrail/internal/server"
)

var (
	serveAddr  string
	serveWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve guarded sessions over HTTP",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from listen_addr)")
	serveCmd.Flags().BoolVar(&serveWatch, "watch-config", true, "apply rate limit and log level changes from the config file without a restart")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	st, err := buildStack(ctx, cfg, providerOverride, true)
	if err != nil {
		return err
	}
	defer st.Close()

	sessions := server.NewSessionStore(st.factory, cfg.SessionTTL, cfg.MaxSessions)
	if err := sessions.Start(sweepInterval(cfg.SessionTTL)); err != nil {
		return err
	}
	defer sessions.Stop()

	limiter := server.NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
	opts := []server.Option{
		server.WithTools(st.tools),
		server.WithRateLimiter(limiter),
		server.WithAPIKeys(cfg.APIKeys),
	}
	if st.audit != nil {
		opts = append(opts, server.WithAuditStore(st.audit))
	}
	srv := server.NewServer(st.orch, sessions, opts...)

	if serveWatch && viper.ConfigFileUsed() != "" {
		config.Watch(viper.GetViper(), func(next *config.Config) {
			limiter.SetLimit(next.RateLimit, next.RateBurst)
			if lvl, err := zerolog.ParseLevel(viper.GetString("log_level")); err == nil && !flags.verbose {
				zerolog.SetGlobalLevel(lvl)
			}
		})
	}

	addr := serveAddr
	if addr == "" {
		addr = cfg.ListenAddr
	}
	log.Info().
		Str("addr", addr).
		Str("model", cfg.Model).
		Bool("auth", len(cfg.APIKeys) > 0).
		Bool("audit", st.audit != nil).
		Dur("session_ttl", cfg.SessionTTL).
		Msg("guardrail_serve_started")

	return serveUntilDone(ctx, &http.Server{
		Addr:              addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Minute, // long tool loops
		IdleTimeout:       time.Minute,
	})
}

const drainTimeout = 30 * time.Second

// serveUntilDone runs hs until ctx ends, then drains in-flight requests.
func serveUntilDone(ctx context.Context, hs *http.Server) error {
	failed := make(chan error, 1)
	go func() {
		if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			failed <- err
		}
	}()

	select {
	case err := <-failed:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := hs.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}

// sweepInterval checks for idle sessions a few times per TTL.
func sweepInterval(ttl time.Duration) time.Duration {
	const floor = 10 * time.Second
	switch {
	case ttl <= 0:
		return time.Minute
	case ttl/4 < floor:
		return floor
	default:
		return ttl / 4
	}
}
