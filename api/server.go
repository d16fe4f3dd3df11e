// Package api serves the loopback control surface: upload status, start/resume/cancel/
// discard commands and a websocket stream of upload events.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/moyoez/courseupload/api/middlewares"
	"github.com/moyoez/courseupload/api/notifyhub"
	"github.com/moyoez/courseupload/tool"
	"github.com/moyoez/courseupload/uploader"
)

// Server is the local control API.
type Server struct {
	port    int
	uploads *uploader.Uploader
	sampler uploader.ProfileSource
	hub     *notifyhub.Hub
	started time.Time
	engine  *gin.Engine
	server  *http.Server
	mu      sync.RWMutex
}

// NewServer builds the server. sampler and hub may be nil, which disables /network and
// /notify-ws respectively.
func NewServer(port int, uploads *uploader.Uploader, sampler uploader.ProfileSource, hub *notifyhub.Hub) *Server {
	return &Server{
		port:    port,
		uploads: uploads,
		sampler: sampler,
		hub:     hub,
		started: time.Now(),
	}
}

// Handler returns the gin engine, building it on first use.
func (s *Server) Handler() *gin.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		s.engine = s.setupRoutes()
	}
	return s.engine
}

func (s *Server) setupRoutes() *gin.Engine {
	if tool.DefaultLogger.GetLevel() == log.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middlewares.AllowAllCORS())

	self := engine.Group("/api/self/v1", middlewares.OnlyAllowLocal)
	{
		self.GET("/status", s.handleStatus)
		self.GET("/network", s.handleNetwork)
		self.GET("/uploads", s.handleListUploads)
		self.POST("/uploads", s.handleCreateUpload)
		self.GET("/uploads/:id", s.handleGetUpload)
		self.POST("/uploads/:id/resume", s.handleResumeUpload)
		self.POST("/uploads/:id/cancel", s.handleCancelUpload)
		self.DELETE("/uploads/:id", s.handleDeleteUpload)
		if s.hub != nil {
			self.GET("/notify-ws", notifyhub.HandleNotifyWS(s.hub))
		}
	}
	return engine
}

// Start listens on the loopback interface and blocks until Shutdown.
func (s *Server) Start() error {
	engine := s.Handler()

	s.mu.Lock()
	s.server = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", s.port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	tool.DefaultLogger.Infof("[API] Listening on http://%s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
