package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/c360studio/provgraph/chunk"
	"github.com/c360studio/provgraph/config"
	"github.com/c360studio/provgraph/coref"
	"github.com/c360studio/provgraph/embed"
	"github.com/c360studio/provgraph/extract"
	"github.com/c360studio/provgraph/httpapi"
	"github.com/c360studio/provgraph/kb"
	"github.com/c360studio/provgraph/link"
	"github.com/c360studio/provgraph/llm"
	"github.com/c360studio/provgraph/model"
	"github.com/c360studio/provgraph/ner"
	"github.com/c360studio/provgraph/pipeline"
	"github.com/c360studio/provgraph/progress"
	"github.com/c360studio/provgraph/rag"
	"github.com/c360studio/provgraph/relate"
	"github.com/c360studio/provgraph/store"
	"github.com/c360studio/provgraph/store/blob"
	"github.com/c360studio/provgraph/store/cache"
	"github.com/c360studio/provgraph/store/graphdb"
	"github.com/c360studio/provgraph/store/relational"
	"github.com/c360studio/provgraph/store/vector"
)

const (
	fetchTimeout = 60 * time.Second
	maxFetchBody = 32 << 20

	// nerFallbackThreshold is the mean pattern confidence below which the
	// LLM tagger re-examines a chunk, when the fallback is enabled.
	nerFallbackThreshold = 0.7

	gcInterval      = 6 * time.Hour
	shutdownTimeout = 10 * time.Second
)

func buildLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func loadConfig(configPath string, logger *slog.Logger) (*config.Config, error) {
	if configPath != "" {
		if err := os.Setenv(config.EnvConfigPath, configPath); err != nil {
			return nil, fmt.Errorf("set config path: %w", err)
		}
	}
	return config.NewLoader(logger).Load()
}

// openStores connects all five backends and returns the facade with a
// close function that tears them down in reverse order.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.Facade, func(), error) {
	blobs, err := blob.New(ctx, blob.Config{
		Endpoint:  cfg.S3.Endpoint,
		Region:    cfg.S3.Region,
		Bucket:    cfg.S3.Bucket,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("blob store: %w", err)
	}

	vectors, err := vector.New(vector.Config{
		Host:       cfg.Qdrant.Host,
		Port:       cfg.Qdrant.Port,
		APIKey:     cfg.Qdrant.APIKey,
		UseTLS:     cfg.Qdrant.UseTLS,
		Collection: cfg.Qdrant.Collection,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("vector store: %w", err)
	}

	graph, err := graphdb.New(ctx, graphdb.Config{
		URI:      cfg.Neo4j.URI,
		Username: cfg.Neo4j.Username,
		Password: cfg.Neo4j.Password,
		Database: cfg.Neo4j.Database,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("graph store: %w", err)
	}

	db, err := relational.New(cfg.Postgres.DSN, logger)
	if err != nil {
		_ = graph.Close(ctx)
		return nil, nil, fmt.Errorf("relational store: %w", err)
	}

	c, err := cache.New(ctx, cache.Config{
		URL:       cfg.Redis.URL,
		KeyPrefix: cfg.Redis.KeyPrefix,
	}, logger)
	if err != nil {
		_ = graph.Close(ctx)
		return nil, nil, fmt.Errorf("cache: %w", err)
	}

	facade := &store.Facade{
		Blobs:  blobs,
		Vector: vectors,
		Graph:  graph,
		DB:     db,
		Cache:  c,
	}
	closeAll := func() {
		_ = c.Close()
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = graph.Close(closeCtx)
	}
	return facade, closeAll, nil
}

func serveCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and ingestion worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath, *logLevel)
		},
	}
}

func runServe(configPath, logLevel string) error {
	logger := buildLogger(logLevel)

	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, closeStores, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	nc, err := nats.Connect(cfg.NATS.URL, nats.Name(appName))
	if err != nil {
		return fmt.Errorf("connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer nc.Close()

	queue, err := pipeline.NewQueue(ctx, nc, cfg.Pipeline.HeartbeatTimeout, logger)
	if err != nil {
		return fmt.Errorf("job queue: %w", err)
	}

	bus := progress.NewBus(stores.DB, stores.Cache, logger)

	fetcher := extract.NewFetcher(fetchTimeout, appName+"/"+Version, maxFetchBody)
	extractors := extract.NewRegistry()
	extractors.Register(extract.NewPDFExtractor(fetcher))
	extractors.Register(extract.NewVideoExtractor(fetcher))
	extractors.Register(extract.NewWebExtractor(fetcher))

	manager := pipeline.NewManager(stores.DB, stores.Cache, queue, bus, extractors,
		cfg.Pipeline.MaxAutomaticRetries, cfg.Pipeline.MaxManualRetries, logger)

	registry := model.NewDefaultRegistry()
	embedTier := model.ParseEmbeddingTier(cfg.Providers.EmbeddingTier)
	genTier := model.ParseGenerativeTier(cfg.Providers.GenerativeTier)
	embedClient := embed.NewClient(registry, logger)
	llmClient := llm.NewClient(registry, logger)

	chunker, err := chunk.New(cfg.Chunking.ChunkSizeBytes, cfg.Chunking.OverlapBytes)
	if err != nil {
		return fmt.Errorf("chunker: %w", err)
	}

	var corefResolver *coref.Resolver
	if cfg.Providers.CorefEnabled {
		corefResolver = coref.NewResolver()
	}

	var nerFallback ner.Tagger
	if cfg.Providers.NERLLMFallback {
		nerFallback = ner.NewLLMTagger(llmClient, genTier)
	}
	nerExtractor := ner.NewExtractor(nerFallback, nerFallbackThreshold, logger)

	linker := link.New(pipeline.NewGraphEntityLookup(stores.Graph),
		cfg.Link.ExactThreshold, cfg.Link.FuzzyThreshold)

	var verifier relate.Verifier
	if cfg.Relate.VerifierEnabled {
		verifier = relate.NewLLMVerifier(llmClient, genTier)
	}
	relateExtractor := relate.NewExtractor(verifier, cfg.Relate.ConfidenceThreshold, logger)

	runner := pipeline.NewRunner(pipeline.RunnerDeps{
		Extractors: extractors,
		Chunker:    chunker,
		Coref:      corefResolver,
		NER:        nerExtractor,
		Linker:     linker,
		Relate:     relateExtractor,
		Embedder:   pipeline.NewEmbedder(embedClient, embedTier, logger),
		Indexer:    pipeline.NewIndexer(stores, cfg.Link.BatchSize, logger),
		Bus:        bus,
		Logger:     logger,
	})

	pool := pipeline.NewPool(queue, manager, runner, stores.DB,
		cfg.Pipeline.WorkerConcurrency, logger)
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	defer pool.Stop()

	resolver := rag.NewResolver(rag.ResolverDeps{
		Stores:         stores,
		Embed:          embedClient,
		EmbeddingTier:  embedTier,
		Generator:      llmClient,
		GenerativeTier: genTier,
		DefaultK:       cfg.RAG.K,
		GraphExpansion: cfg.RAG.GraphExpansion,
		Logger:         logger,
	})

	mux := http.NewServeMux()
	httpapi.NewServer(manager, bus, resolver, logger).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go runGCLoop(ctx, stores, cfg.Pipeline.JobRetention, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Provgraph ready",
			slog.String("version", Version),
			slog.String("addr", cfg.HTTP.Addr),
			slog.Int("workers", cfg.Pipeline.WorkerConcurrency))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", slog.String("error", err.Error()))
	}
	return nil
}

// runGCLoop sweeps orphaned entities and expired jobs on a fixed interval
// until the context ends.
func runGCLoop(ctx context.Context, stores *store.Facade, retention time.Duration, logger *slog.Logger) {
	gc := pipeline.NewGC(stores, retention, logger)
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := gc.Run(ctx)
			if err != nil {
				logger.Warn("GC sweep failed", slog.String("error", err.Error()))
				continue
			}
			logger.Info("GC sweep complete",
				slog.Int64("entities_swept", stats.EntitiesSwept),
				slog.Int64("progress_pruned", stats.ProgressPruned),
				slog.Int64("jobs_pruned", stats.JobsPruned))
		}
	}
}

func gcCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Run one garbage collection sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := buildLogger(*logLevel)
			cfg, err := loadConfig(*configPath, logger)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			stores, closeStores, err := openStores(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStores()

			stats, err := pipeline.NewGC(stores, cfg.Pipeline.JobRetention, logger).Run(ctx)
			if err != nil {
				return fmt.Errorf("gc sweep: %w", err)
			}
			fmt.Printf("entities swept: %d\nprogress events pruned: %d\njobs pruned: %d\n",
				stats.EntitiesSwept, stats.ProgressPruned, stats.JobsPruned)
			return nil
		},
	}
}

func ingestCmd() *cobra.Command {
	var (
		addr     string
		priority int
		wait     bool
	)
	cmd := &cobra.Command{
		Use:   "ingest URL",
		Short: "Submit a URL for ingestion via a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), addr, args[0], priority, wait)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "Server base URL")
	cmd.Flags().IntVar(&priority, "priority", pipeline.DefaultPriority, "Job priority (1 highest, 10 lowest)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Poll until the job reaches a terminal status")
	return cmd
}

func runIngest(ctx context.Context, addr, url string, priority int, wait bool) error {
	var accepted httpapi.IngestResponse
	err := postJSON(ctx, addr+"/ingest", httpapi.IngestRequest{URL: url, Priority: priority}, &accepted)
	if err != nil {
		return err
	}
	fmt.Printf("job %s queued\n", accepted.JobID)

	if !wait {
		fmt.Printf("status: %s%s\n", addr, accepted.StatusURL)
		return nil
	}

	last := kb.JobStatus("")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}

		var job kb.Job
		if err := getJSON(ctx, addr+accepted.StatusURL, &job); err != nil {
			return err
		}
		if job.Status != last {
			fmt.Printf("status: %s\n", job.Status)
			last = job.Status
		}
		if job.Status.Terminal() {
			if job.Status == kb.JobFailed {
				return fmt.Errorf("job failed: %s", job.LastError)
			}
			if job.ResultDocID != "" {
				fmt.Printf("document: %s\n", job.ResultDocID)
			}
			return nil
		}
	}
}

func queryCmd() *cobra.Command {
	var (
		addr    string
		k       int
		heading string
	)
	cmd := &cobra.Command{
		Use:   "query QUESTION",
		Short: "Ask a question against the knowledge base via a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := rag.Query{Text: args[0], K: k}
			if heading != "" {
				q.Filters = map[string]string{"heading_path": heading}
			}
			var ans rag.Answer
			if err := postJSON(cmd.Context(), addr+"/query", q, &ans); err != nil {
				return err
			}
			fmt.Println(ans.Text)
			for _, c := range ans.Citations {
				fmt.Printf("\n[%d] %s (%s) bytes %d-%d\n    %q\n",
					c.Index, c.DocTitle, c.DocURL, c.ByteRange[0], c.ByteRange[1], c.Quote)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "Server base URL")
	cmd.Flags().IntVar(&k, "k", 0, "Number of chunks to retrieve (0 uses the server default)")
	cmd.Flags().StringVar(&heading, "heading", "", "Heading path filter, literal or glob")
	return cmd
}

func postJSON(ctx context.Context, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON(req, out)
}

func getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return doJSON(req, out)
}

func doJSON(req *http.Request, out any) error {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, strings.TrimSpace(string(data)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
