package main

import (
	"context"
	"fmt"
	"net/url"

	"github.com/driveshare/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and store health",
	Long:  "Display the current configuration, check the shared store, and summarize unread messages.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Identity.UserID, "(not set)"))
		fmt.Printf("  Name:        %s\n", valueOrDefault(cfg.Identity.Name, chatsync.DefaultDisplayName))
		fmt.Printf("  Role:        %s\n", valueOrDefault(cfg.Identity.Role, chatsync.UnknownRole))
		fmt.Printf("  Cache:       %s\n", valueOrDefault(cfg.Default.CachePath, "~/.chatsync/cache.db"))
		fmt.Printf("  Redis:       %s\n", valueOrDefault(maskURL(cfg.Default.RedisURL), "(not set)"))
		fmt.Printf("  Gateway:     %s\n", valueOrDefault(cfg.Default.GatewayURL, "(not set)"))
		if cfg.Push.WebhookSecret != "" {
			fmt.Printf("  Push secret: %s\n", maskKey(cfg.Push.WebhookSecret))
		}

		if cfg.Identity.UserID == "" {
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		fmt.Println()
		fmt.Println("Live status:")
		switch r := s.remote.(type) {
		case nil:
			fmt.Println("  Shared store: (none, offline only)")
		case interface{ Ping(context.Context) error }:
			printHealth(r.Ping(ctx))
		case interface{ Health(context.Context) error }:
			printHealth(r.Health(ctx))
		}

		convs, err := s.m.List(ctx, s.self.ID)
		if err != nil {
			fmt.Printf("  Error listing conversations: %v\n", err)
			return nil
		}
		unread := 0
		for _, c := range convs {
			unread += c.UnreadCount(s.self.ID)
		}
		fmt.Printf("  Conversations: %d\n", len(convs))
		fmt.Printf("  Unread:        %d\n", unread)
		return nil
	},
}

func printHealth(err error) {
	if err != nil {
		fmt.Printf("  Shared store: unreachable (%v)\n", err)
		return
	}
	fmt.Println("  Shared store: ok")
}

// maskKey shows the first and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// maskURL hides a password embedded in a connection URL.
func maskURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "****")
	}
	return u.String()
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
