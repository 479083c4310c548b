package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Identity ConfigIdentity `toml:"identity"`
	Upload   ConfigUpload   `toml:"upload"`
	Push     ConfigPush     `toml:"push"`
}

// ConfigDefault holds store locations and logging.
type ConfigDefault struct {
	RedisURL   string `toml:"redis_url"`
	GatewayURL string `toml:"gateway_url"`
	CachePath  string `toml:"cache_path"`
	LogLevel   string `toml:"log_level"`
}

// ConfigIdentity is the user this device acts as.
type ConfigIdentity struct {
	UserID string `toml:"user_id"`
	Name   string `toml:"name"`
	Role   string `toml:"role"`
}

// ConfigUpload configures the media upload endpoint.
type ConfigUpload struct {
	URL    string `toml:"url"`
	Preset string `toml:"preset"`
	Folder string `toml:"folder"`
}

// ConfigPush configures the gateway's push-delivery hook.
type ConfigPush struct {
	WebhookURL    string `toml:"webhook_url"`
	WebhookSecret string `toml:"webhook_secret"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync (or $CHATSYNC_HOME), creating
// it if needed.
func configDir() (string, error) {
	dir := os.Getenv("CHATSYNC_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".chatsync")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file, then applies environment
// overrides. A missing file yields a zero-value Config.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// applyEnv lets CHATSYNC_* variables (or a .env file) override the file.
func applyEnv(cfg *Config) {
	for env, dst := range map[string]*string{
		"CHATSYNC_REDIS_URL":   &cfg.Default.RedisURL,
		"CHATSYNC_GATEWAY_URL": &cfg.Default.GatewayURL,
		"CHATSYNC_CACHE_PATH":  &cfg.Default.CachePath,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
}

// saveConfig writes the config struct back to disk as TOML. Environment
// overrides are not persisted.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "identity.user_id").
// configFields maps every settable key to the field it addresses.
func configFields(cfg *Config) map[string]map[string]*string {
	return map[string]map[string]*string{
		"default": {
			"redis_url":   &cfg.Default.RedisURL,
			"gateway_url": &cfg.Default.GatewayURL,
			"cache_path":  &cfg.Default.CachePath,
			"log_level":   &cfg.Default.LogLevel,
		},
		"identity": {
			"user_id": &cfg.Identity.UserID,
			"name":    &cfg.Identity.Name,
			"role":    &cfg.Identity.Role,
		},
		"upload": {
			"url":    &cfg.Upload.URL,
			"preset": &cfg.Upload.Preset,
			"folder": &cfg.Upload.Folder,
		},
		"push": {
			"webhook_url":    &cfg.Push.WebhookURL,
			"webhook_secret": &cfg.Push.WebhookSecret,
		},
	}
}

func configField(cfg *Config, key string) (*string, error) {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return nil, fmt.Errorf("key must use dot notation: section.field (e.g. default.redis_url)")
	}
	sec, ok := configFields(cfg)[section]
	if !ok {
		return nil, fmt.Errorf("unknown config section %q (valid: default, identity, upload, push)", section)
	}
	dst, ok := sec[field]
	if !ok {
		return nil, fmt.Errorf("unknown field %q in section [%s]", field, section)
	}
	return dst, nil
}

func setConfigValue(cfg *Config, key, value string) error {
	dst, err := configField(cfg, key)
	if err != nil {
		return err
	}
	*dst = value
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	flagEphemeral bool
	flagJSON      bool
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Offline-first conversation sync CLI",
	Long: "Command-line client for chatsync: send and read one-to-one conversations\n" +
		"through the local cache, mirror them to Redis or a gateway, and run the gateway.",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// .env is optional.
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagEphemeral, "ephemeral", false, "use an in-memory cache instead of the cache file")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "print raw JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
