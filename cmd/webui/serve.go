package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	prof "github.com/go-while/go-cpu-mem-profiler"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Notnaton/simplewebui/internal/chatstore"
	"github.com/Notnaton/simplewebui/internal/config"
	"github.com/Notnaton/simplewebui/internal/database"
	"github.com/Notnaton/simplewebui/internal/llm"
	xlog "github.com/Notnaton/simplewebui/internal/log"
	"github.com/Notnaton/simplewebui/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the web server",
	RunE:  runServe,
}

func addServeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntVar(&flagConfig.Web.ListenPort, "port", flagConfig.Web.ListenPort, "web server port")
	f.StringVar(&flagConfig.Web.ListenAddr, "listen", flagConfig.Web.ListenAddr, "listen address (empty for all interfaces)")
	f.BoolVar(&flagConfig.Web.SSL, "ssl", false, "serve HTTPS")
	f.StringVar(&flagConfig.Web.CertFile, "cert", "", "TLS certificate file (/path/to/fullchain.pem)")
	f.StringVar(&flagConfig.Web.KeyFile, "key", "", "TLS key file (/path/to/privkey.pem)")
	f.StringSliceVar(&flagConfig.Web.TrustedProxies, "trusted-proxies", flagConfig.Web.TrustedProxies, "proxies allowed to set X-Forwarded-* headers")
	f.StringVar(&flagConfig.Web.PprofAddr, "pprof-addr", "", "serve pprof on this address, e.g. 127.0.0.1:6060")
	f.StringVar(&flagConfig.Chat.SystemPrompt, "system-prompt", flagConfig.Chat.SystemPrompt, "system prompt for new conversations")
	f.IntVar(&flagConfig.Chat.MaxPromptLen, "max-prompt-length", flagConfig.Chat.MaxPromptLen, "maximum prompt length in characters")
	f.DurationVar(&flagConfig.Chat.PromptCooldown, "prompt-cooldown", flagConfig.Chat.PromptCooldown, "minimum time between prompts of one session (0 disables)")
	f.StringVar(&flagConfig.LLM.Model, "model", flagConfig.LLM.Model, "default model, e.g. openai/local or ollama/llama3")
	f.StringVar(&flagConfig.LLM.APIBase, "api-base", flagConfig.LLM.APIBase, "default model server base URL")
	f.StringVar(&flagConfig.LLM.APIKey, "api-key", flagConfig.LLM.APIKey, "default model server API key")
}

func applyServeFlags(cmd *cobra.Command, cfg *config.MainConfig) {
	f := cmd.Flags()
	if f.Lookup("port") == nil {
		// chats subcommands only carry the persistent flags
		return
	}
	changed := f.Changed
	if changed("port") {
		cfg.Web.ListenPort = flagConfig.Web.ListenPort
	}
	if changed("listen") {
		cfg.Web.ListenAddr = flagConfig.Web.ListenAddr
	}
	if changed("ssl") {
		cfg.Web.SSL = flagConfig.Web.SSL
	}
	if changed("cert") {
		cfg.Web.CertFile = flagConfig.Web.CertFile
	}
	if changed("key") {
		cfg.Web.KeyFile = flagConfig.Web.KeyFile
	}
	if changed("trusted-proxies") {
		cfg.Web.TrustedProxies = flagConfig.Web.TrustedProxies
	}
	if changed("pprof-addr") {
		cfg.Web.PprofAddr = flagConfig.Web.PprofAddr
	}
	if changed("system-prompt") {
		cfg.Chat.SystemPrompt = flagConfig.Chat.SystemPrompt
	}
	if changed("max-prompt-length") {
		cfg.Chat.MaxPromptLen = flagConfig.Chat.MaxPromptLen
	}
	if changed("prompt-cooldown") {
		cfg.Chat.PromptCooldown = flagConfig.Chat.PromptCooldown
	}
	if changed("model") {
		cfg.LLM.Model = flagConfig.LLM.Model
	}
	if changed("api-base") {
		cfg.LLM.APIBase = flagConfig.LLM.APIBase
	}
	if changed("api-key") {
		cfg.LLM.APIKey = flagConfig.LLM.APIKey
	}
}

func setupLogging(cfg *config.MainConfig) {
	xlog.Reset()
	xlog.Configure(xlog.Config{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Output:  os.Stderr,
		Version: cfg.AppVersion,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	setupLogging(cfg)
	logger := xlog.WithComponent("main")
	logger.Info().
		Str("version", cfg.AppVersion).
		Str("addr", cfg.Web.Addr()).
		Str("chat_dir", cfg.Chat.Dir).
		Str("model", cfg.LLM.Model).
		Str("api_base", cfg.LLM.APIBase).
		Msg("starting webui")

	if cfg.Web.PprofAddr != "" {
		p := prof.NewProf()
		go p.PprofWeb(cfg.Web.PprofAddr)
		logger.Info().Str("addr", cfg.Web.PprofAddr).Msg("pprof endpoint enabled")
	}

	db, err := database.OpenDatabase(database.DBConfigFrom(cfg.Database))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := db.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("database shutdown failed")
		}
	}()

	store, err := chatstore.New(cfg.Chat.Dir, cfg.Chat.SystemPrompt)
	if err != nil {
		return fmt.Errorf("open chat store: %w", err)
	}

	srv, err := web.NewServer(cfg, db, store, llm.NewClient(nil))
	if err != nil {
		return fmt.Errorf("create web server: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(srv.Start)
	g.Go(func() error {
		return srv.RunSessionCleanup(ctx, cfg.Database.CleanupEvery)
	})
	g.Go(func() error {
		// the sidebar still works without the watcher, only cached titles go stale
		if err := store.Watch(ctx); err != nil {
			logger.Warn().Err(err).Msg("chat directory watcher unavailable")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("webui stopped with error")
		return err
	}
	logger.Info().Dur("uptime", time.Since(srv.StartTime).Truncate(time.Second)).Msg("webui stopped")
	return nil
}
