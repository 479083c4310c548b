package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initName       string
	initRole       string
	initRedisURL   string
	initGatewayURL string
)

func init() {
	initCmd.Flags().StringVar(&initName, "name", "", "display name shown to counterparts")
	initCmd.Flags().StringVar(&initRole, "role", "", "participant role (e.g. renter, host)")
	initCmd.Flags().StringVar(&initRedisURL, "redis-url", "", "Redis URL of the shared store")
	initCmd.Flags().StringVar(&initGatewayURL, "gateway-url", "", "base URL of a chatsync gateway")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <user-id>",
	Short: "Store this device's identity in ~/.chatsync/config.toml",
	Long:  "Initialize chatsync by storing the acting user and, optionally, the shared store location.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Identity.UserID = args[0]
		if initName != "" {
			cfg.Identity.Name = initName
		}
		if initRole != "" {
			cfg.Identity.Role = initRole
		}
		if initRedisURL != "" {
			cfg.Default.RedisURL = initRedisURL
		}
		if initGatewayURL != "" {
			cfg.Default.GatewayURL = initGatewayURL
		}
		if cfg.Default.LogLevel == "" {
			cfg.Default.LogLevel = "info"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Identity %s saved to %s\n", args[0], path)
		return nil
	},
}
