package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	appconfig "liqflow/config"
	"liqflow/internal/metrics"
	"liqflow/internal/models"
	"liqflow/internal/stats"
	"liqflow/logger"
)

// Source is the read side of the pipeline the API serves from.
type Source interface {
	Recent(limit int) []models.LiquidationRecord
	Stats(window time.Duration) stats.Stats
	ConnectionState() string
	BufferLen() int
	StoredRows(ctx context.Context) (int64, error)
}

// Server hosts the JSON read API for downstream consumers.
type Server struct {
	cfg           appconfig.DashboardConfig
	log           *logger.Log
	source        Source
	metricStore   *metricStore
	logStore      *logStore
	metricHandler metrics.HandlerID
	httpServer    *http.Server
	limiter       *rate.Limiter
	started       time.Time
}

// NewServer constructs the API server when the dashboard feature is enabled.
// When the dashboard is disabled the returned server will be nil.
func NewServer(cfg appconfig.DashboardConfig, log *logger.Log, source Source) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cfg.Address = normalizeAddress(cfg.Address)

	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}
	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = 200
	}

	metricStore := newMetricStore(cfg.MetricsHistory)
	handlerID := metrics.RegisterHandler(metricStore.handle)

	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	server := &Server{
		cfg:           cfg,
		log:           log,
		source:        source,
		metricStore:   metricStore,
		logStore:      logStore,
		metricHandler: handlerID,
	}

	if cfg.RateLimitRPS > 0 {
		server.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), int(cfg.RateLimitRPS)+1)
	}

	return server, nil
}

// Run starts the HTTP server and blocks until the provided context is
// cancelled or the underlying HTTP server exits with an error.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	s.started = time.Now().UTC()
	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterHandler(s.metricHandler)
	if s.logStore != nil {
		s.logStore.close()
	}
}

// Address reports the network address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}
	if s.limiter != nil {
		router.Use(s.rateLimit())
	}

	router.GET("/api/liquidations", s.handleLiquidations)
	router.GET("/api/stats", s.handleStats)
	router.GET("/api/status", s.handleStatus)
	router.GET("/api/metrics", s.handleMetrics)
	router.GET("/api/logs", s.handleLogs)

	return router, nil
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// handleLiquidations returns the most recent records, newest first. The
// optional limit parameter caps the result; it defaults to the full buffer.
func (s *Server) handleLiquidations(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}

	records := s.source.Recent(limit)
	c.JSON(http.StatusOK, gin.H{
		"count":        len(records),
		"liquidations": records,
	})
}

// handleStats aggregates over the in-memory window. The optional window
// parameter (a Go duration such as 5m) restricts the aggregation; the default
// covers everything the buffer holds.
func (s *Server) handleStats(c *gin.Context) {
	var window time.Duration
	if raw := c.Query("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "window must be a duration such as 5m"})
			return
		}
		window = parsed
	}

	c.JSON(http.StatusOK, s.source.Stats(window))
}

func (s *Server) handleStatus(c *gin.Context) {
	stored, err := s.source.StoredRows(c.Request.Context())
	if err != nil {
		s.log.WithComponent("dashboard").WithError(err).Warn("failed to count stored rows")
		stored = -1
	}

	c.JSON(http.StatusOK, gin.H{
		"connection":  s.source.ConnectionState(),
		"buffer_len":  s.source.BufferLen(),
		"stored_rows": stored,
		"counters":    logger.SnapshotCounters(),
		"uptime_sec":  int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleMetrics(c *gin.Context) {
	metricsSnapshot := s.metricStore.snapshot()
	payload := make([]gin.H, 0, len(metricsSnapshot))
	for _, m := range metricsSnapshot {
		payload = append(payload, gin.H{
			"timestamp": m.Timestamp.Format(time.RFC3339Nano),
			"component": m.Component,
			"name":      m.Name,
			"value":     m.Value,
			"type":      m.Type,
			"fields":    m.Fields,
		})
	}
	c.JSON(http.StatusOK, gin.H{"metrics": payload})
}

func (s *Server) handleLogs(c *gin.Context) {
	logsSnapshot := s.logStore.snapshot()
	payload := make([]gin.H, 0, len(logsSnapshot))
	for _, l := range logsSnapshot {
		payload = append(payload, gin.H{
			"timestamp": l.Timestamp.Format(time.RFC3339Nano),
			"level":     l.Level,
			"component": l.Component,
			"message":   l.Message,
			"fields":    l.Fields,
		})
	}
	c.JSON(http.StatusOK, gin.H{"logs": payload})
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
