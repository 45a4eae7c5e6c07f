// Package web provides the HTTP server and htmx chat interface of simplewebui
package web

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Notnaton/simplewebui/internal/cache"
	"github.com/Notnaton/simplewebui/internal/chatstore"
	"github.com/Notnaton/simplewebui/internal/config"
	"github.com/Notnaton/simplewebui/internal/database"
	"github.com/Notnaton/simplewebui/internal/llm"
	xlog "github.com/Notnaton/simplewebui/internal/log"
	"github.com/Notnaton/simplewebui/internal/markdown"
	"github.com/Notnaton/simplewebui/internal/metrics"
)

const (
	HTMXURL = "https://unpkg.com/htmx.org@2.0.4"
	SSEURL  = "https://unpkg.com/htmx-ext-sse@2.2.3"

	renderCacheEntries = 2048
	renderCacheMaxAge  = time.Hour
)

// WebServer represents the web server
type WebServer struct {
	DB       *database.Database
	Store    *chatstore.Store
	LLM      llm.Streamer
	Markdown *markdown.Renderer
	Rendered *cache.RenderCache // stored replies only, never partial streams
	Router   *gin.Engine
	Config   *config.MainConfig

	templates *template.Template
	limiter   *promptLimiter
	logger    zerolog.Logger
	httpSrv   *http.Server

	StartTime time.Time
}

// NewServer creates a new web server instance
func NewServer(cfg *config.MainConfig, db *database.Database, store *chatstore.Store, streamer llm.Streamer) (*WebServer, error) {
	tmpl, err := parseTemplates()
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	if err := router.SetTrustedProxies(cfg.Web.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}

	secureConfig := secure.Config{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
	}
	// SSL headers only when TLS terminates here, not behind a proxy
	if cfg.Web.SSL {
		secureConfig.SSLRedirect = true
		secureConfig.STSSeconds = 31536000
		secureConfig.STSIncludeSubdomains = true
	}

	s := &WebServer{
		DB:        db,
		Store:     store,
		LLM:       streamer,
		Markdown:  markdown.New(),
		Rendered:  cache.NewRenderCache(renderCacheEntries, renderCacheMaxAge),
		Router:    router,
		Config:    cfg,
		templates: tmpl,
		limiter:   newPromptLimiter(cfg.Chat.PromptCooldown),
		logger:    xlog.WithComponent("web"),
		StartTime: time.Now(),
	}

	s.httpSrv = &http.Server{
		Addr:              cfg.Web.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// no WriteTimeout: replies stream for minutes
	}

	router.Use(s.RequestIDMiddleware(), s.RecoveryMiddleware(), s.AccessLogMiddleware(), secure.New(secureConfig))
	s.setupRoutes()
	return s, nil
}

// setupRoutes configures all HTTP routes
func (s *WebServer) setupRoutes() {
	s.Router.GET("/static/*filepath", EmbeddedStaticHandler("/static"))
	s.Router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	s.Router.GET("/healthz", s.healthz)
	s.Router.GET("/metrics", gin.WrapH(metrics.Handler()))
	s.Router.GET("/favicon.ico", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	chat := s.Router.Group("/")
	chat.Use(s.SessionMiddleware())
	{
		chat.GET("/", s.indexPage)
		chat.POST("/input", s.chatInput)
		chat.GET("/stream", s.chatStream)
		chat.GET("/sidebar", s.sidebar)
		chat.GET("/load", s.loadChat)
		chat.GET("/new", s.newChat)
		chat.POST("/delete", s.deleteChat)
		chat.GET("/settings", s.settingsPage)
		chat.POST("/settings", s.settingsSubmit)
	}
}

// healthz reports liveness plus database reachability as JSON
func (s *WebServer) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status, code, dbStatus := "ok", http.StatusOK, "ok"
	if err := s.DB.Ping(ctx); err != nil {
		status, code, dbStatus = "degraded", http.StatusServiceUnavailable, err.Error()
	}
	c.JSON(code, gin.H{
		"status":       status,
		"database":     dbStatus,
		"version":      s.Config.AppVersion,
		"uptime":       time.Since(s.StartTime).Truncate(time.Second).String(),
		"render_cache": s.Rendered.Stats(),
	})
}

// Start serves until the listener fails or Shutdown is called.
// It returns nil after a graceful shutdown.
func (s *WebServer) Start() error {
	addr := s.httpSrv.Addr
	var err error
	if s.Config.Web.SSL {
		if s.Config.Web.CertFile == "" || s.Config.Web.KeyFile == "" {
			return errors.New("SSL enabled but cert_file or key_file not specified in config")
		}
		s.logger.Info().Str("addr", addr).Msg("starting HTTPS server")
		err = s.httpSrv.ListenAndServeTLS(s.Config.Web.CertFile, s.Config.Web.KeyFile)
	} else {
		s.logger.Info().Str("addr", addr).Msg("starting HTTP server")
		err = s.httpSrv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for open requests,
// including reply streams, until ctx expires.
func (s *WebServer) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")
	defer s.Rendered.Stop()
	return s.httpSrv.Shutdown(ctx)
}
