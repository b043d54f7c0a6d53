// Package daemon wires every leaf package into a running Coordinator and
// exposes it two ways: a newline-delimited JSON exchange loop on stdin/
// stdout (the chat surface), and a small gin admin HTTP surface for
// health checks, status, and backups. Adapted from the server-assembly
// style of cmd/agentflow's own Server.Start (initHandlers, then start the
// HTTP listener), restructured around this module's own stack instead of
// chat/LLM handlers.
package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/abyssac/cogmem/config"
	"github.com/abyssac/cogmem/internal/coordinator"
	"github.com/abyssac/cogmem/internal/graph"
	"github.com/abyssac/cogmem/internal/index"
	"github.com/abyssac/cogmem/internal/maintenance"
	"github.com/abyssac/cogmem/internal/planner"
	"github.com/abyssac/cogmem/internal/protocol"
	"github.com/abyssac/cogmem/internal/record"
	"github.com/abyssac/cogmem/internal/retrieval"
	"github.com/abyssac/cogmem/internal/sandbox"
	cogstore "github.com/abyssac/cogmem/internal/store"
	"github.com/abyssac/cogmem/internal/telemetry"
)

// Daemon owns the assembled stack and the two surfaces built on top of it.
type Daemon struct {
	cfg    *config.Config
	logger *zap.Logger

	coord  *coordinator.Coordinator
	router *gin.Engine
}

// collectorOnce guards the process-wide telemetry Collector: its metrics
// register on the default Prometheus registry, which accepts each name
// once, so every Daemon built in one process shares the same Collector.
var (
	collectorOnce   sync.Once
	sharedCollector *telemetry.Collector
)

// New assembles the Record Store, Concept Graph Store, Inverted Index,
// Retrieval Engine, Sandbox, Maintenance Pipeline, and Coordinator from
// cfg, rebuilding the index from whatever the Record Store loaded off
// disk. If cfg.Planner.Endpoint is empty every ModelPlanner role falls
// back to an offline planner.Deterministic with no canned responses, so
// the daemon still starts (the Sandbox's S1 loop ends at once with no
// nodes collected, and Maintenance runs stop at Review with fail-fatal
// and never commit) rather than refusing to boot without a configured
// model.
func New(cfg *config.Config, logger *zap.Logger) (*Daemon, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now

	events := cogstore.NewEventLog(cfg.RecordRoot, now)

	records, err := record.New(record.Config{RootDir: cfg.RecordRoot, Now: now, Logger: logger, EventLog: events})
	if err != nil {
		return nil, fmt.Errorf("daemon: open record store: %w", err)
	}
	g, err := graph.New(graph.Config{RootDir: cfg.RecordRoot, Now: now, Logger: logger, EventLog: events})
	if err != nil {
		return nil, fmt.Errorf("daemon: open graph store: %w", err)
	}

	idx := index.New(0)
	if err := rebuildIndex(records, idx); err != nil {
		return nil, fmt.Errorf("daemon: rebuild index: %w", err)
	}
	engine := retrieval.New(records, idx, now, logger)

	model := buildPlanner(cfg.Planner)
	sbCfg := cfg.SandboxSettings()

	var coord *coordinator.Coordinator
	box := sandbox.New(g, records, model, sbCfg, logger, events, now, func() {
		if coord != nil {
			coord.NavFailCounter()
		}
	}, func(stage string, rounds int) {
		if coord != nil {
			coord.ObserveStageRounds(stage, rounds)
		}
	})
	pipeline := maintenance.New(g, records, model, logger, events, now, sbCfg.ModelTimeout, func(stage string, rounds int) {
		if coord != nil {
			coord.ObserveStageRounds(stage, rounds)
		}
	})

	coord = coordinator.New(records, g, idx, engine, box, pipeline, model, cfg.CoordinatorSettings(), logger, events, now)
	collectorOnce.Do(func() { sharedCollector = telemetry.NewCollector("cogmem", logger) })
	coord.SetTelemetry(sharedCollector)

	d := &Daemon{cfg: cfg, logger: logger, coord: coord}
	d.router = d.buildRouter()
	return d, nil
}

// rebuildIndex re-derives the in-memory Inverted Index from the Record
// Store on startup. records.Iter returns metadata-only clones, so each
// record is re-read to rehydrate its content before indexing — keyword
// extraction needs the body, not just tags/tier/category.
func rebuildIndex(records *record.Store, idx *index.Index) error {
	ctx := context.Background()
	recs, err := records.Iter(ctx, record.Filter{})
	if err != nil {
		return err
	}
	for _, rec := range recs {
		full, err := records.Read(ctx, rec.ID)
		if err != nil {
			continue
		}
		idx.Index(full)
	}
	return nil
}

func buildPlanner(cfg config.PlannerConfig) planner.ModelPlanner {
	if cfg.Endpoint == "" {
		return planner.NewDeterministic(nil)
	}
	return planner.NewHTTPPlanner(planner.HTTPConfig{Endpoint: cfg.Endpoint, APIKey: cfg.APIKey})
}

// buildRouter sets up the admin HTTP surface: health, status, backup, and
// cleanup.
func (d *Daemon) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, d.coord.Status())
	})

	r.POST("/backup", func(c *gin.Context) {
		resp := d.coord.Dispatch(c.Request.Context(), protocol.Command{Action: protocol.ActionBackup})
		c.JSON(statusCode(resp), resp)
	})

	r.POST("/cleanup", func(c *gin.Context) {
		resp := d.coord.Dispatch(c.Request.Context(), protocol.Command{Action: protocol.ActionCleanup})
		c.JSON(statusCode(resp), resp)
	})

	return r
}

func statusCode(resp protocol.Response) int {
	if resp.Status == protocol.StatusOK {
		return http.StatusOK
	}
	return http.StatusBadRequest
}

// Run starts the admin HTTP listener in the background and drives the
// stdin/stdout chat-surface exchange loop in the foreground: one
// utterance per line in, one CycleResult JSON object per line out. Run
// returns when stdin reaches EOF, or when the next input line arrives
// after ctx is canceled (ctx is checked between lines, not while waiting
// for one).
func (d *Daemon) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	srv := &http.Server{Addr: d.cfg.Server.Addr, Handler: d.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	d.logger.Info("daemon listening", zap.String("addr", d.cfg.Server.Addr))

	scanner := bufio.NewScanner(stdin)
	enc := json.NewEncoder(stdout)
	for scanner.Scan() {
		select {
		case err := <-errCh:
			return fmt.Errorf("daemon: admin server: %w", err)
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()
		if line == "" {
			continue
		}
		result, err := d.coord.RunCycle(ctx, line)
		if err != nil {
			d.logger.Warn("cycle failed", zap.Error(err))
			_ = enc.Encode(map[string]string{"error": err.Error()})
			continue
		}
		if err := enc.Encode(result); err != nil {
			return fmt.Errorf("daemon: encode cycle result: %w", err)
		}
	}
	return scanner.Err()
}

// Coordinator exposes the assembled Coordinator for callers (such as
// tests) that want to issue a single Dispatch without running the full
// stdin loop.
func (d *Daemon) Coordinator() *coordinator.Coordinator { return d.coord }

// Router exposes the admin HTTP handler directly, for tests that drive it
// with httptest rather than a live listener.
func (d *Daemon) Router() http.Handler { return d.router }
