package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/cadgraph-io/ingest/internal/batch"
	"github.com/cadgraph-io/ingest/internal/cadparser"
	"github.com/cadgraph-io/ingest/internal/config"
	"github.com/cadgraph-io/ingest/internal/debug"
	"github.com/cadgraph-io/ingest/internal/enrichment"
	"github.com/cadgraph-io/ingest/internal/jobs"
	"github.com/cadgraph-io/ingest/internal/ocr"
	"github.com/cadgraph-io/ingest/internal/orchestrator"
	"github.com/cadgraph-io/ingest/internal/render"
	"github.com/cadgraph-io/ingest/internal/session"
)

// version is overridable at link time: go build -ldflags "-X main.version=...".
var version = "0.1.0-dev"

func main() {
	app := &cli.App{
		Name:                   "cadgraph",
		Usage:                  "CAD drawing ingestion and graph-database loading pipeline",
		Version:                version,
		UseShortOptionHandling: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Config file path",
				Value:   ".cadgraph.kdl",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging to stderr",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("verbose") {
				debug.EnableDebug = "true"
				debug.SetDebugOutput(os.Stderr)
			}
			return nil
		},
		Commands: []*cli.Command{
			ingestCommand,
			jobsCommand,
			serveCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "cadgraph:", err)
		os.Exit(1)
	}
}

// loadConfig reads and validates the configuration named by the root
// --config flag.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// sessionConfig maps config.GraphConfig onto session.Config.
func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		URI:                          cfg.Graph.URI,
		Username:                     cfg.Graph.User,
		Password:                     cfg.Graph.Password,
		Database:                     cfg.Graph.Database,
		MaxConnectionLifetime:        time.Duration(cfg.Graph.ConnectionLifetimeS) * time.Second,
		MaxConnectionPoolSize:        cfg.Graph.ConnectionPoolSize,
		ConnectionAcquisitionTimeout: time.Duration(cfg.Graph.ConnectionAcquireTimeoutS) * time.Second,
		MaxRetries:                   cfg.Batch.RetryMax,
	}
}

// buildOrchestrator wires the Session Manager, Batcher, and (when enabled)
// the Job Manager's enrichment pipeline behind one Orchestrator. The
// returned closer must run before the process exits.
func buildOrchestrator(ctx context.Context, cfg *config.Config) (*orchestrator.Orchestrator, func(), error) {
	sm, err := session.NewManager(ctx, sessionConfig(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to graph store: %w", err)
	}

	batcher := batch.New(sm, cfg.Graph.Database, cfg.Batch)

	var jobManager *jobs.Manager
	if cfg.Jobs.AsyncEnrichmentEnabled {
		pipeline := enrichment.New(cadparser.JSONPassthroughParser{}, render.FakeRenderer{}, ocr.FakeEngine{}, batcher)
		jobManager = jobs.NewManager(cfg.Jobs.MaxWorkers, pipeline, jobs.FileResultStore{Dir: cfg.Results.Dir})
	}

	orch := orchestrator.New(cfg, cadparser.JSONPassthroughParser{}, batcher, jobManager)

	closer := func() {
		if jobManager != nil {
			jobManager.Shutdown()
		}
		_ = sm.Close(context.Background())
	}
	return orch, closer, nil
}

var ingestCommand = &cli.Command{
	Name:      "ingest",
	Usage:     "Ingest a staged CAD upload into the graph store",
	ArgsUsage: "<file>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.Exit("ingest requires exactly one file argument", 1)
		}
		filePath := c.Args().Get(0)

		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}

		ctx := context.Background()
		orch, closer, err := buildOrchestrator(ctx, cfg)
		if err != nil {
			return err
		}
		defer closer()

		report, err := orch.Ingest(ctx, filePath)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "Run the long-lived job worker process",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "sweep-interval",
			Usage: "How often to sweep the staging directory for stale uploads",
			Value: 5 * time.Minute,
		},
		&cli.DurationFlag{
			Name:  "sweep-max-age",
			Usage: "Age at which a staged upload is considered stale and removed",
			Value: 24 * time.Hour,
		},
	},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		orch, closer, err := buildOrchestrator(ctx, cfg)
		if err != nil {
			return err
		}
		defer closer()

		ticker := time.NewTicker(c.Duration("sweep-interval"))
		defer ticker.Stop()

		debug.LogIngest("serve: worker process started, %d job workers, sweeping every %s", cfg.Jobs.MaxWorkers, c.Duration("sweep-interval"))
		for {
			select {
			case <-ctx.Done():
				debug.LogIngest("serve: shutdown signal received")
				return nil
			case <-ticker.C:
				swept, err := orch.SweepStale(nil, c.Duration("sweep-max-age"))
				if err != nil {
					debug.CatastrophicError("serve: stale-upload sweep failed: %v", err)
					continue
				}
				if swept > 0 {
					debug.LogIngest("serve: swept %d stale staged uploads", swept)
				}
			}
		}
	},
}

var jobsCommand = &cli.Command{
	Name:  "jobs",
	Usage: "Inspect enrichment job results persisted under the results directory",
	Subcommands: []*cli.Command{
		{
			Name:  "list",
			Usage: "List every persisted job result file",
			Action: func(c *cli.Context) error {
				cfg, err := loadConfig(c)
				if err != nil {
					return err
				}
				entries, err := os.ReadDir(cfg.Results.Dir)
				if err != nil {
					if os.IsNotExist(err) {
						fmt.Println("no job results yet")
						return nil
					}
					return err
				}
				for _, e := range entries {
					if e.IsDir() {
						continue
					}
					fmt.Println(e.Name())
				}
				return nil
			},
		},
		{
			Name:      "status",
			Usage:     "Print a job's persisted result",
			ArgsUsage: "<job-id>",
			Action: func(c *cli.Context) error {
				if c.NArg() != 1 {
					return cli.Exit("status requires exactly one job id", 1)
				}
				id := c.Args().Get(0)
				cfg, err := loadConfig(c)
				if err != nil {
					return err
				}
				path := filepath.Join(cfg.Results.Dir, id+"_result.json")
				b, err := os.ReadFile(path)
				if err != nil {
					if os.IsNotExist(err) {
						return cli.Exit(fmt.Sprintf("no persisted result for job %s (still running, or never submitted)", id), 1)
					}
					return err
				}
				os.Stdout.Write(b)
				fmt.Println()
				return nil
			},
		},
		{
			Name:      "cancel",
			Usage:     "Cancel a pending job (possible only inside the process that submitted it)",
			ArgsUsage: "<job-id>",
			Action: func(c *cli.Context) error {
				if c.NArg() != 1 {
					return cli.Exit("cancel requires exactly one job id", 1)
				}
				// The Job Manager's registry lives in the memory of the
				// process whose ingest submitted the job (serve submits no
				// jobs); this CLI has no IPC channel to reach it (no
				// HTTP/RPC surface is wired, see DESIGN.md), so
				// cancellation is only possible from within that process.
				return cli.Exit("job cancellation must be issued inside the process that submitted the job; no out-of-process channel is wired (see DESIGN.md)", 1)
			},
		},
	},
}
