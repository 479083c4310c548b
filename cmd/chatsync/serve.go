package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driveshare/chatsync"
	"github.com/driveshare/chatsync/gateway"
	"github.com/spf13/cobra"
)

var (
	serveAddr  string
	serveToken string
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "listen address")
	serveCmd.Flags().StringVar(&serveToken, "token", "", "bearer token required by the API (default $CHATSYNC_GATEWAY_TOKEN)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP/WebSocket gateway over the Redis store",
	Long: "Serve the conversation API and change streams backed by Redis.\n" +
		"When [push] is configured, recipients of new messages are notified via the webhook.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger(cfg.Default.LogLevel)
		if cfg.Default.RedisURL == "" {
			return fmt.Errorf("default.redis_url is required to serve")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := chatsync.DialRedisStore(ctx, cfg.Default.RedisURL, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer store.Close()

		token := serveToken
		if token == "" {
			token = os.Getenv("CHATSYNC_GATEWAY_TOKEN")
		}
		opts := []gateway.Option{gateway.WithLogger(logger), gateway.WithToken(token)}
		if cfg.Push.WebhookURL != "" {
			n, err := gateway.NewPushNotifier(cfg.Push.WebhookURL, cfg.Push.WebhookSecret, logger)
			if err != nil {
				return fmt.Errorf("invalid push config: %w", err)
			}
			opts = append(opts, gateway.WithNotifier(n))
		}
		if token == "" {
			logger.Warn().Msg("no token set; API is unauthenticated")
		}

		srv := &http.Server{
			Addr:              serveAddr,
			Handler:           gateway.NewServer(store, opts...).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errc := make(chan error, 1)
		go func() {
			logger.Info().Str("addr", serveAddr).Msg("gateway listening")
			errc <- srv.ListenAndServe()
		}()

		select {
		case err := <-errc:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}

		logger.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	},
}
