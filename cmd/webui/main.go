// Command webui serves the browser chat UI and manages stored conversations
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Notnaton/simplewebui/internal/config"
)

var appVersion = "-unset-"

// flagConfig is filled by the persistent flags; only flags the user actually
// set override the defaults and environment.
var flagConfig = config.NewDefaultConfig()

var rootCmd = &cobra.Command{
	Use:          "webui",
	Short:        "Minimal web chat UI for OpenAI-compatible and Ollama model servers",
	Long:         "webui serves a single-page chat UI that streams replies from a local or remote LLM server.\nWithout a subcommand it runs the web server.",
	SilenceUsage: true,
	RunE:         runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print webui version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "webui version %s\n", config.AppVersion)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig.Chat.Dir, "chat-dir", flagConfig.Chat.Dir, "directory holding conversation JSON files")
	pf.StringVar(&flagConfig.Database.DataDir, "data-dir", flagConfig.Database.DataDir, "directory for the session database")
	pf.StringVar(&flagConfig.Log.Level, "log-level", flagConfig.Log.Level, "log level (debug, info, warn, error)")
	pf.StringVar(&flagConfig.Log.Format, "log-format", flagConfig.Log.Format, "log format (json or console)")

	addServeFlags(rootCmd)
	addServeFlags(serveCmd)

	rootCmd.AddCommand(serveCmd, chatsCmd, versionCmd)
}

func main() {
	config.AppVersion = appVersion
	flagConfig.AppVersion = appVersion
	if err := rootCmd.Execute(); err != nil {
		// cobra already printed the error
		os.Exit(1)
	}
}

// loadConfig layers defaults, environment and explicitly set flags, then validates.
func loadConfig(cmd *cobra.Command) (*config.MainConfig, error) {
	cfg := config.NewDefaultConfig()
	cfg.AppVersion = config.AppVersion
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("chat-dir") {
		cfg.Chat.Dir = flagConfig.Chat.Dir
	}
	if changed("data-dir") {
		cfg.Database.DataDir = flagConfig.Database.DataDir
	}
	if changed("log-level") {
		cfg.Log.Level = flagConfig.Log.Level
	}
	if changed("log-format") {
		cfg.Log.Format = flagConfig.Log.Format
	}
	applyServeFlags(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
