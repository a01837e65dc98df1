// cmd/stratum-mcp is the entry point for the Stratum MCP (Model Context
// Protocol) server.  It wires the SQLite store, the optional pgvector
// semantic tier, the fusion engine, and the conversation write gate behind a
// line-delimited JSON-RPC 2.0 transport.
//
// Startup sequence:
//  1. Load configuration from environment variables.
//  2. Open the SQLite database and apply the schema.
//  3. If a semantic DSN is configured, connect pgvector behind a circuit breaker.
//  4. Build the fusion engine and analyzer, and start the rules watcher.
//  5. Serve JSON-RPC 2.0 requests from stdin, writing responses to stdout.
//
// CRITICAL: ALL logging MUST go to stderr.  Any bytes written to stdout that
// are not valid JSON-RPC 2.0 response frames will corrupt the protocol.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/scrypster/stratum/internal/analyzer"
	"github.com/scrypster/stratum/internal/api/mcp"
	"github.com/scrypster/stratum/internal/config"
	"github.com/scrypster/stratum/internal/fusion"
	"github.com/scrypster/stratum/internal/semantic"
	"github.com/scrypster/stratum/internal/storage/sqlite"
)

func main() {
	// Redirect the default logger to stderr so that any incidental log calls
	// (e.g. from imported packages) never pollute the stdout JSON-RPC stream.
	log.SetOutput(os.Stderr)
	log.SetPrefix("stratum-mcp: ")
	log.SetFlags(log.LstdFlags)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := os.MkdirAll(cfg.Storage.DataPath, 0o700); err != nil {
		log.Fatalf("failed to create data directory %q: %v", cfg.Storage.DataPath, err)
	}

	store, err := sqlite.New(cfg.Storage.DSN())
	if err != nil {
		log.Fatalf("failed to open database at %q: %v", cfg.Storage.DSN(), err)
	}
	defer store.Close()

	// Root context cancelled on SIGINT / SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("received shutdown signal")
		cancel()
	}()

	// The semantic tier is optional: without a DSN the fusion engine serves
	// the symbolic and episodic tiers only.
	var searcher semantic.Searcher
	if cfg.Semantic.Enabled() {
		embedder := semantic.NewOllamaEmbedder(semantic.OllamaConfig{
			BaseURL: cfg.Semantic.OllamaURL,
			Model:   cfg.Semantic.EmbeddingModel,
		})
		pg, err := semantic.NewPgvectorSearcher(cfg.Semantic.PostgresDSN, embedder)
		if err != nil {
			log.Printf("warning: semantic tier disabled: %v", err)
		} else {
			defer pg.Close()
			searcher = semantic.NewBreakerSearcher(pg, semantic.BreakerConfig{
				MaxFailures: uint32(cfg.Semantic.BreakerMaxFailures),
				Timeout:     cfg.Semantic.BreakerTimeout,
				CallTimeout: cfg.Semantic.CallTimeout,
			})
			log.Println("semantic tier enabled (pgvector behind circuit breaker)")
		}
	}

	engine := fusion.New(store, store, searcher, fusion.Config{
		MinFactConfidence: cfg.Fusion.MinFactConfidence,
		MinEpisodeQuality: cfg.Fusion.MinEpisodeQuality,
		MinSemanticScore:  cfg.Fusion.MinSemanticScore,
		TopK:              cfg.Fusion.SemanticTopK,
		MaxResults:        cfg.Fusion.MaxResults,
	})

	// Extraction rules: built-in defaults unless a rules file is configured.
	var rules *analyzer.RuleSet
	if cfg.Analyzer.RulesPath != "" {
		rules, err = analyzer.LoadRules(cfg.Analyzer.RulesPath)
		if err != nil {
			log.Fatalf("failed to load rules from %q: %v", cfg.Analyzer.RulesPath, err)
		}
		log.Printf("loaded extraction rules from %s", cfg.Analyzer.RulesPath)
	}

	gate := analyzer.New(store, store, rules, analyzer.Config{
		MinFactConfidence:    cfg.Analyzer.MinFactConfidence,
		MinEpisodeConfidence: cfg.Analyzer.MinEpisodeConfidence,
		DedupWindowDays:      cfg.Analyzer.DeduplicationWindowDays,
		SkipPatterns:         cfg.Analyzer.SkipPatterns,
		AutoStorePerMinute:   cfg.Analyzer.AutoStorePerMinute,
		AutoStoreBurst:       cfg.Analyzer.AutoStoreBurst,
	})

	// Hot-reload the rules file so threshold or pattern tuning does not
	// require restarting the agent session.
	if cfg.Analyzer.RulesPath != "" {
		watcher := config.NewRulesWatcher(cfg.Analyzer.RulesPath, gate.SetRules)
		if err := watcher.Start(); err != nil {
			log.Printf("warning: rules watcher disabled: %v", err)
		} else {
			defer watcher.Stop()
		}
	}

	srv := mcp.NewServer(store,
		mcp.WithFusionEngine(engine),
		mcp.WithAnalyzer(gate),
	)

	transport := mcp.NewStdioTransport(srv, os.Stdin, os.Stdout)

	log.Println("ready — serving JSON-RPC 2.0 on stdin/stdout")

	if err := transport.Serve(ctx); err != nil {
		// A non-nil error here is normal (context cancellation) or indicates a
		// fatal stdin/stdout problem.  Either way it is informational only.
		log.Printf("transport stopped: %v", err)
	}
}
