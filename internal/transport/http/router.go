// Package httptransport builds the HTTP surface: the consultation websocket
// route, health reporting and CORS for browser clients.
package httptransport

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/ruchi-nb/full-matata-sub000/internal/config"
	"github.com/ruchi-nb/full-matata-sub000/internal/platform/logging"
	"github.com/ruchi-nb/full-matata-sub000/internal/transport/ws"
)

// Options wires the router's collaborators.
type Options struct {
	Config    *config.Config
	Logger    *logging.Logger
	WSHandler *ws.Handler
	Hub       *ws.Hub
}

// Server serves the HTTP and websocket endpoints.
type Server struct {
	cfg     config.ServerConfig
	engine  *gin.Engine
	hub     *ws.Hub
	logger  *logging.Logger
	httpSrv *http.Server
	started time.Time
}

func NewServer(opts Options) *Server {
	if opts.Config.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(loggingMiddleware(opts.Logger))
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		cfg:     opts.Config.Server,
		engine:  engine,
		hub:     opts.Hub,
		logger:  opts.Logger,
		started: time.Now(),
	}

	engine.GET(s.cfg.WSPath, gin.WrapF(opts.WSHandler.Handle))
	engine.GET("/healthz", s.healthz)

	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:    s.cfg.Addr(),
		Handler: s.engine,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		s.hub.CloseAll()
	}()

	s.logger.InfoTag("HTTP", "listening on %s, websocket at %s", s.cfg.Addr(), s.cfg.WSPath)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) healthz(c *gin.Context) {
	payload := gin.H{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"connections":    s.hub.Count(),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		payload["memory_used_percent"] = vm.UsedPercent
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		payload["cpu_percent"] = percents[0]
	}
	c.JSON(http.StatusOK, payload)
}

func loggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.InfoTag("HTTP", "%s %s -> %d (%s)",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
