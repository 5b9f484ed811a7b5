// Package api exposes the HTTP surface: discovery mirrors of the vendor
// /json endpoints, session management, script execution, and the DevTools
// upgrade routes.
package api

import (
	"context"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/autocrawlerHQ/browserhub/internal/config"
	"github.com/autocrawlerHQ/browserhub/internal/execute"
	"github.com/autocrawlerHQ/browserhub/internal/gateway"
	"github.com/autocrawlerHQ/browserhub/internal/middleware"
	"github.com/autocrawlerHQ/browserhub/internal/session"
)

type Server struct {
	engine   *gin.Engine
	server   *http.Server
	sessions *session.Manager
	runner   *execute.Runner
	gateway  *gateway.Gateway
	cfg      config.Config
	log      *zap.Logger
}

func NewServer(cfg config.Config, sessions *session.Manager, runner *execute.Runner, gw *gateway.Gateway, log *zap.Logger) *Server {
	engine := gin.New()
	engine.Use(middleware.RequestLogger(log.Named("http")))
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-Internal-Token"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	s := &Server{
		engine:   engine,
		sessions: sessions,
		runner:   runner,
		gateway:  gw,
		cfg:      cfg,
		log:      log.Named("api"),
		server: &http.Server{
			Addr:    cfg.Addr,
			Handler: engine,
		},
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.engine

	r.GET("/health", s.handleHealth)

	// Vendor discovery mirrors
	r.GET("/json", s.handleJSONList)
	r.GET("/json/list", s.handleJSONList)
	r.GET("/json/version", s.handleJSONVersion)
	r.PUT("/json/new", s.handleJSONNew)
	r.GET("/json/protocol", s.handleJSONProtocol)
	r.GET("/activate/:targetId", s.handleActivate)
	r.GET("/close/:targetId", s.handleCloseTarget)

	// Session management
	r.GET("/sessions", s.handleListSessions)
	r.GET("/kill/:sessionId", s.handleKill)

	internal := r.Group("/internal")
	internal.Use(middleware.InternalAuth(s.cfg.InternalToken))
	{
		internal.PUT("/browser/:sessionId/session", s.handleExtendSession)
	}

	// Script execution
	r.POST("/execute", s.handleExecute)
	r.POST("/function", s.handleExecute)

	// DevTools upgrade routes
	r.GET("/devtools/browser/:sessionId", func(c *gin.Context) {
		opts, feats := s.launchParams(c)
		s.gateway.HandleBrowser(c.Writer, c.Request, c.Param("sessionId"), opts, feats)
	})
	r.GET("/devtools/page/:pageId", func(c *gin.Context) {
		s.gateway.HandlePage(c.Writer, c.Request, c.Param("pageId"))
	})
	r.GET("/live", func(c *gin.Context) {
		s.gateway.HandleLive(c.Writer, c.Request)
	})
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) Start() error {
	s.log.Info("starting server", zap.String("addr", s.server.Addr))
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
