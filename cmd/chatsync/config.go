package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

var showFile bool

func init() {
	configShowCmd.Flags().BoolVar(&showFile, "file", false, "print the file as written, without env overrides or masking")

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or change where this device stores and syncs chats",
	Long: "Settings live in config.toml under $CHATSYNC_HOME (default ~/.chatsync).\n" +
		"CHATSYNC_REDIS_URL, CHATSYNC_GATEWAY_URL and CHATSYNC_CACHE_PATH override the file.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List effective settings, secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showFile {
			path, err := configPath()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if os.IsNotExist(err) {
				fmt.Fprintf(os.Stderr, "%s does not exist yet; 'chatsync init <user-id>' writes it\n", path)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		rows := effectiveSettings(cfg)
		if flagJSON {
			return printJSON(rows)
		}
		keys := make([]string, 0, len(rows))
		for k := range rows {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%-24s %s\n", k, rows[k])
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <section.field>",
	Short: "Print one effective setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		v, err := configField(cfg, args[0])
		if err != nil {
			return err
		}
		fmt.Println(*v)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <section.field> <value>",
	Short: "Write one setting to config.toml",
	Example: "  chatsync config set default.redis_url redis://localhost:6379/0\n" +
		"  chatsync config set identity.role host",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Env overrides must not leak into the file.
		cfg, err := readConfigFile()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(os.Stderr, "%s updated\n", args[0])
		return nil
	},
}

// effectiveSettings flattens cfg to section.field keys with URLs and
// secrets masked for display.
func effectiveSettings(cfg *Config) map[string]string {
	out := make(map[string]string)
	for section, fields := range configFields(cfg) {
		for field, v := range fields {
			key := section + "." + field
			switch {
			case *v == "":
				out[key] = ""
			case strings.HasSuffix(field, "_secret"):
				out[key] = maskKey(*v)
			case strings.HasSuffix(field, "url"):
				out[key] = maskURL(*v)
			default:
				out[key] = *v
			}
		}
	}
	return out
}
