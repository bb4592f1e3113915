// Package dashboard exposes the pipeline's operational state over HTTP:
// queue depths, open partition files, live book tops, counters, recent
// logs and host resource usage.
package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"feedflow/config"
	"feedflow/internal/book"
	"feedflow/internal/dispatch"
	"feedflow/internal/dumper"
	"feedflow/internal/metrics"
	"feedflow/logger"
)

const historyLimit = 200

// Sources supplies the live state the endpoints serve. Any nil source
// renders as an empty list.
type Sources struct {
	Queues     func() []dispatch.QueueStat
	Partitions func() []dumper.Stat
	Books      func() []book.Top
}

// Server hosts the monitoring endpoints.
type Server struct {
	cfg        config.DashboardConfig
	log        *logger.Log
	sources    Sources
	logStore   *logStore
	sampler    *resourceSampler
	httpServer *http.Server
	started    time.Time
}

// NewServer constructs a dashboard server when the dashboard is enabled.
// When disabled the returned server is nil and safe to Run.
func NewServer(cfg config.DashboardConfig, log *logger.Log, diskPath string, sources Sources) *Server {
	if !cfg.Enabled {
		return nil
	}

	cfg.Listen = normalizeAddress(cfg.Listen)

	ls := newLogStore(historyLimit)
	log.AddHook(ls)

	return &Server{
		cfg:      cfg,
		log:      log,
		sources:  sources,
		logStore: ls,
		sampler:  newResourceSampler(historyLimit, 5*time.Second, diskPath, log),
	}
}

// Run serves until the context is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}

	defer s.logStore.close()
	defer s.sampler.stop()

	s.started = time.Now()
	s.sampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s.buildRouter(appName),
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
		return err
	}
}

// Address reports the listen address.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Listen
}

func (s *Server) buildRouter(appName string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"app":     appName,
			"uptime":  time.Since(s.started).Round(time.Second).String(),
			"metrics": countersPayload(metrics.GetSnapshot()),
		})
	})

	router.GET("/api/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, countersPayload(metrics.GetSnapshot()))
	})

	router.GET("/api/queues", func(c *gin.Context) {
		var stats []dispatch.QueueStat
		if s.sources.Queues != nil {
			stats = s.sources.Queues()
		}
		c.JSON(http.StatusOK, gin.H{"queues": emptyIfNil(stats)})
	})

	router.GET("/api/partitions", func(c *gin.Context) {
		var stats []dumper.Stat
		if s.sources.Partitions != nil {
			stats = s.sources.Partitions()
		}
		c.JSON(http.StatusOK, gin.H{"partitions": emptyIfNil(stats)})
	})

	router.GET("/api/books", func(c *gin.Context) {
		var tops []book.Top
		if s.sources.Books != nil {
			tops = s.sources.Books()
		}
		payload := make([]gin.H, 0, len(tops))
		for _, t := range tops {
			entry := gin.H{
				"exchange": t.Exchange,
				"symbol":   t.Symbol,
				"stale":    t.Stale,
			}
			if t.Bid != nil {
				entry["bid_price"] = t.Bid.Price.String()
				entry["bid_size"] = t.Bid.Size.String()
			}
			if t.Ask != nil {
				entry["ask_price"] = t.Ask.Price.String()
				entry["ask_size"] = t.Ask.Size.String()
			}
			if t.Sequence != nil {
				entry["sequence"] = *t.Sequence
			}
			if t.Timestamp != nil {
				entry["timestamp"] = t.Timestamp.Format(time.RFC3339Nano)
			}
			payload = append(payload, entry)
		}
		c.JSON(http.StatusOK, gin.H{"books": payload})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot()})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.sampler.snapshot()})
	})

	return router
}

func countersPayload(snap metrics.Snapshot) gin.H {
	venues := make(gin.H, len(snap.Venues))
	for name, v := range snap.Venues {
		venues[name] = gin.H{
			"messages":     v.Messages,
			"parse_errors": v.ParseErrors,
			"gaps":         v.Gaps,
		}
	}
	return gin.H{
		"messages_parsed": snap.MessagesParsed,
		"parse_errors":    snap.ParseErrors,
		"sequence_gaps":   snap.SequenceGaps,
		"events_out":      snap.EventsOut,
		"queue_drops":     snap.QueueDrops,
		"rows_buffered":   snap.RowsBuffered,
		"rows_written":    snap.RowsWritten,
		"files_finalized": snap.FilesFinalized,
		"append_recovers": snap.AppendRecovers,
		"venues":          venues,
	}
}

func emptyIfNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}
	if strings.HasPrefix(addr, ":") {
		return "0.0.0.0" + addr
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}
	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
