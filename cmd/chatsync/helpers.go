package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/driveshare/chatsync"
	"github.com/rs/zerolog"
)

// commandTimeout bounds one-shot commands.
const commandTimeout = 10 * time.Second

// newLogger writes human-readable logs to stderr so stdout stays parseable.
func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().Timestamp().Logger()
}

// session is a Messenger wired from the config file plus everything that
// must be closed with it.
type session struct {
	cfg    *Config
	self   chatsync.User
	logger zerolog.Logger
	m      *chatsync.Messenger
	remote chatsync.RemoteStore
	closer []func() error
}

func (s *session) Close() {
	for i := len(s.closer) - 1; i >= 0; i-- {
		if err := s.closer[i](); err != nil {
			s.logger.Debug().Err(err).Msg("close")
		}
	}
}

// openSession loads the config and builds the device's Messenger.
func openSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Identity.UserID == "" {
		return nil, fmt.Errorf("no identity configured; run 'chatsync init <user-id>' first")
	}

	s := &session{
		cfg:    cfg,
		self:   configIdentity(cfg),
		logger: newLogger(cfg.Default.LogLevel),
	}

	local, err := openCache(cfg)
	if err != nil {
		return nil, err
	}
	s.closer = append(s.closer, local.Close)

	remote, err := openRemote(ctx, cfg, s.logger)
	if err != nil {
		s.logger.Warn().Err(err).Msg("shared store unavailable; working offline")
	}

	opts := []chatsync.Option{
		chatsync.WithLogger(s.logger),
		chatsync.WithIdentity(identityProvider{user: s.self}),
		chatsync.WithNavigator(printNavigator{}),
		chatsync.WithAlerter(stderrAlerter{}),
	}
	if remote != nil {
		s.remote = remote
		opts = append(opts, chatsync.WithRemote(remote))
		if c, ok := remote.(interface{ Close() error }); ok {
			s.closer = append(s.closer, c.Close)
		}
	}
	if cfg.Upload.URL != "" {
		opts = append(opts, chatsync.WithUploader(chatsync.NewHTTPUploader(cfg.Upload.URL, cfg.Upload.Preset)))
		if cfg.Upload.Folder != "" {
			opts = append(opts, chatsync.WithUploadFolder(cfg.Upload.Folder))
		}
	}
	s.m = chatsync.New(local, opts...)
	return s, nil
}

func openCache(cfg *Config) (chatsync.LocalCache, error) {
	if flagEphemeral {
		return chatsync.NewMemoryCache(), nil
	}
	path := cfg.Default.CachePath
	if path == "" {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "cache.db")
	}
	cache, err := chatsync.OpenBoltCache(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache %s: %w", path, err)
	}
	return cache, nil
}

// openRemote prefers a direct Redis connection over the gateway. A nil
// store with a nil error means none is configured.
func openRemote(ctx context.Context, cfg *Config, logger zerolog.Logger) (chatsync.RemoteStore, error) {
	switch {
	case cfg.Default.RedisURL != "":
		return chatsync.DialRedisStore(ctx, cfg.Default.RedisURL, logger)
	case cfg.Default.GatewayURL != "":
		var opts []chatsync.GatewayOption
		opts = append(opts, chatsync.WithGatewayLogger(logger))
		if token := os.Getenv("CHATSYNC_GATEWAY_TOKEN"); token != "" {
			opts = append(opts, chatsync.WithGatewayToken(token))
		}
		return chatsync.NewGatewayStore(cfg.Default.GatewayURL, opts...), nil
	}
	return nil, nil
}

func configIdentity(cfg *Config) chatsync.User {
	return chatsync.User{
		ID:   cfg.Identity.UserID,
		Name: cfg.Identity.Name,
		Role: cfg.Identity.Role,
	}
}

type identityProvider struct{ user chatsync.User }

func (p identityProvider) CurrentUser(context.Context) (chatsync.User, error) {
	if p.user.ID == "" {
		return chatsync.User{}, chatsync.ErrIdentityUnavailable
	}
	return p.user, nil
}

// printNavigator stands in for a screen stack: it prints the hand-off.
type printNavigator struct{}

func (printNavigator) NavigateTo(screen string, params chatsync.ThreadParams) error {
	if flagJSON {
		return printJSON(map[string]any{"screen": screen, "params": params})
	}
	fmt.Printf("-> %s with %s (%s)\n", screen, params.OtherUserName, params.OtherUserID)
	if params.ConversationID != "" {
		fmt.Printf("   conversation %s\n", params.ConversationID)
	}
	return nil
}

type stderrAlerter struct{}

func (stderrAlerter) Alert(title, message string) {
	fmt.Fprintf(os.Stderr, "%s: %s\n", title, message)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
