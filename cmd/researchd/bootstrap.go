package researchd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"

	researchagent "github.com/6chenhua/research-agent-backend"
	"github.com/6chenhua/research-agent-backend/pkg/alert"
	"github.com/6chenhua/research-agent-backend/pkg/config"
	"github.com/6chenhua/research-agent-backend/pkg/connector"
	"github.com/6chenhua/research-agent-backend/pkg/driver"
	"github.com/6chenhua/research-agent-backend/pkg/embedder"
	"github.com/6chenhua/research-agent-backend/pkg/oracle"
	"github.com/6chenhua/research-agent-backend/pkg/scheduler"
	"github.com/6chenhua/research-agent-backend/pkg/search"
	"github.com/6chenhua/research-agent-backend/pkg/storage"
	"github.com/6chenhua/research-agent-backend/pkg/telemetry"
)

// app holds everything a command needs, built from the loaded config.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	telemetry interface{ Close() error }
	backend   *storage.Backend
	store     driver.GraphStore
	redis     *redis.Client
	core      *researchagent.Core
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	a := &app{cfg: cfg}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg
	if err := a.initLogger(); err != nil {
		return err
	}

	backend, err := storage.Open(cfg.Storage.Path, cfg.Storage.InMemory, a.logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	a.backend = backend

	switch driver.GraphProvider(cfg.Graph.Driver) {
	case driver.GraphProviderNeo4j:
		neo := cfg.Graph.Neo4j
		if neo.Weights == (driver.HybridWeights{}) {
			neo.Weights = cfg.Graph.Weights
		}
		store, err := driver.NewNeo4jStore(neo, a.logger)
		if err != nil {
			return fmt.Errorf("failed to create neo4j store: %w", err)
		}
		a.store = store
	default:
		a.store = driver.NewMemoryStore(
			driver.WithMemoryHybridWeights(cfg.Graph.Weights),
			driver.WithMemoryLogger(a.logger))
	}
	if err := a.store.Ping(ctx); err != nil {
		return fmt.Errorf("graph store unreachable: %w", err)
	}

	extractor, err := a.newOracle()
	if err != nil {
		return err
	}
	emb, err := a.newEmbedder()
	if err != nil {
		return err
	}

	schema, err := config.LoadSchema(cfg.Ingest.SchemaFile)
	if err != nil {
		return err
	}
	coreCfg := &researchagent.Config{
		Search:          cfg.Search,
		Ingest:          cfg.Ingest.Config,
		Scheduler:       cfg.Scheduler,
		ExternalResults: cfg.Connector.MaxResults,
		Schema:          schema,
	}

	opts := []researchagent.Option{
		researchagent.WithLogger(a.logger),
		researchagent.WithMetrics(search.NewMetrics(nil)),
		researchagent.WithSchedulerOptions(scheduler.WithAlerter(alert.New(cfg.Alert))),
	}
	if cfg.Connector.Enabled {
		opts = append(opts, researchagent.WithConnector(connector.NewArxivClient(cfg.Connector.Arxiv, a.logger)))
	}
	if cfg.Redis.Enabled {
		redisOpts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		a.redis = redis.NewClient(redisOpts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis unreachable: %w", err)
		}
		opts = append(opts, researchagent.WithCooldown(search.NewRedisCooldown(a.redis, cfg.Redis.KeyPrefix)))
	}

	core, err := researchagent.NewCore(a.store, extractor, emb, a.backend, coreCfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to create core: %w", err)
	}
	a.core = core

	a.logger.Info("researchd initialized",
		"graph", cfg.Graph.Driver,
		"llm", cfg.LLM.Provider,
		"embedder", cfg.Embedder.Provider,
		"connector", cfg.Connector.Enabled,
		"redis", cfg.Redis.Enabled)
	return nil
}

func (a *app) initLogger() error {
	level := slog.LevelInfo
	if a.cfg.Log.Level != "" {
		if err := level.UnmarshalText([]byte(a.cfg.Log.Level)); err != nil {
			return fmt.Errorf("invalid log level %q", a.cfg.Log.Level)
		}
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(a.cfg.Log.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	if a.cfg.Telemetry.Enabled {
		if err := os.MkdirAll(a.cfg.Telemetry.ParquetPath, 0o755); err != nil {
			return fmt.Errorf("failed to create telemetry directory: %w", err)
		}
		parquetHandler, err := telemetry.NewParquetHandler(handler, a.cfg.Telemetry.ParquetPath,
			telemetry.WithBatchSize(a.cfg.Telemetry.BatchSize))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to initialize error tracking: %v\n", err)
		} else {
			handler = parquetHandler
			a.telemetry = parquetHandler
		}
	}

	a.logger = slog.New(handler)
	slog.SetDefault(a.logger)
	return nil
}

func (a *app) newOracle() (oracle.Oracle, error) {
	llm := a.cfg.LLM
	switch llm.Provider {
	case "none":
		a.logger.Warn("no llm configured; ingestion records episodes without entities")
		return oracle.Nop{}, nil
	default:
		if llm.APIKey == "" {
			return nil, errors.New("llm.api_key is required for the openai provider (or set llm.provider to none)")
		}
		base := oracle.NewOpenAIOracle(llm.APIKey, llm.Config)
		return oracle.NewResilient(base, a.cfg.Resilience(), a.logger), nil
	}
}

func (a *app) newEmbedder() (embedder.Client, error) {
	emb := a.cfg.Embedder
	switch emb.Provider {
	case "hashing":
		dims := emb.Dimensions
		if dims <= 0 {
			dims = embedder.DefaultDimensions
		}
		return embedder.NewHashingEmbedder(dims), nil
	default:
		if emb.APIKey == "" {
			return nil, errors.New("embedder.api_key is required for the openai provider (or set embedder.provider to hashing)")
		}
		return embedder.NewOpenAIEmbedder(emb.APIKey, emb.Config), nil
	}
}

// Close releases everything in reverse order of creation.
func (a *app) Close() {
	if a.core != nil {
		a.core.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && a.logger != nil {
			a.logger.Warn("failed to close graph store", "error", err)
		}
	}
	if a.backend != nil {
		_ = a.backend.Close()
	}
	if a.telemetry != nil {
		_ = a.telemetry.Close()
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
