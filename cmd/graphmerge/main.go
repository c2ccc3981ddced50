package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/agenthands/graphmerge/internal/config"
	"github.com/agenthands/graphmerge/internal/core"
	"github.com/agenthands/graphmerge/internal/core/rules"
	"github.com/agenthands/graphmerge/internal/ingest"
	"github.com/agenthands/graphmerge/internal/logger"
	"github.com/agenthands/graphmerge/internal/server"
)

type app struct {
	cfg    *config.Config
	log    *logger.Logger
	engine *core.Engine
}

// open loads the configuration and builds the engine. Callers close it with app.close.
func open(ctx context.Context, cmd *cli.Command) (*app, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}
	engine, err := core.Open(ctx, cfg, log)
	if err != nil {
		log.Sync()
		return nil, err
	}
	if err := engine.BuildIndices(ctx); err != nil {
		_ = engine.Close(ctx)
		log.Sync()
		return nil, fmt.Errorf("failed to build indices: %w", err)
	}
	return &app{cfg: cfg, log: log, engine: engine}, nil
}

func (a *app) close() {
	if err := a.engine.Close(context.Background()); err != nil {
		a.log.Warn("close failed", "error", err)
	}
	a.log.Sync()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serve(ctx context.Context, cmd *cli.Command) error {
	a, err := open(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	addr := a.cfg.Server.Address()
	if port := cmd.Int("port"); port > 0 {
		addr = fmt.Sprintf(":%d", port)
	}
	return server.NewServer(a.engine, a.log).Run(ctx, addr)
}

func merge(ctx context.Context, cmd *cli.Command) error {
	paths := cmd.Args().Slice()
	if len(paths) == 0 {
		return fmt.Errorf("merge: at least one file or directory is required")
	}
	a, err := open(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	p := ingest.NewProcessor(a.engine, a.log)
	var total ingest.Stats
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		var s ingest.Stats
		if info.IsDir() {
			s, err = p.ProcessDirectory(ctx, path, cmd.String("pattern"))
		} else {
			s, err = p.ProcessFile(ctx, path)
		}
		total.Add(s)
		if err != nil {
			_ = printJSON(total)
			return err
		}
	}
	return printJSON(total)
}

func watch(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return fmt.Errorf("watch: exactly one directory is required")
	}
	a, err := open(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	p := ingest.NewProcessor(a.engine, a.log)
	var total ingest.Stats
	err = p.Watch(ctx, cmd.Args().First(), cmd.String("pattern"), func(path string, s ingest.Stats, err error) {
		total.Add(s)
		if err != nil {
			a.log.Error("file failed", "path", path, "error", err)
		}
	})
	a.log.Info("watcher stopped", "files", total.Files, "created", total.Created, "merged", total.Merged, "failed", total.Failed)
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func stats(ctx context.Context, cmd *cli.Command) error {
	a, err := open(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	s, err := a.engine.Stats(ctx)
	if err != nil {
		return err
	}
	return printJSON(s)
}

// check validates the configuration and catalog without touching storage.
func check(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	catalog, err := rules.Load(cfg.Merge.Catalog)
	if err != nil {
		return err
	}
	fmt.Printf("config ok: backend=%s catalog=%s types=%v\n", cfg.Storage.Backend, cfg.Merge.Catalog, catalog.Types())
	return nil
}

func patternFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "pattern",
		Usage: "Glob for extraction output files",
		Value: "*.json",
	}
}

func main() {
	cmd := &cli.Command{
		Name:  "graphmerge",
		Usage: "Resolve extracted entities and relations into a canonical knowledge graph",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "configs/config.toml",
				Value:       "configs/config.toml",
				Sources:     cli.EnvVars("GRAPHMERGE_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API",
				Action: serve,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "port", Usage: "Override [server] port"},
				},
			},
			{
				Name:      "merge",
				Usage:     "Merge extraction output files or directories",
				ArgsUsage: "FILE...",
				Action:    merge,
				Flags:     []cli.Flag{patternFlag()},
			},
			{
				Name:      "watch",
				Usage:     "Merge extraction output files as they appear in a directory",
				ArgsUsage: "DIR",
				Action:    watch,
				Flags:     []cli.Flag{patternFlag()},
			},
			{
				Name:   "stats",
				Usage:  "Print storage counts",
				Action: stats,
			},
			{
				Name:   "check",
				Usage:  "Validate the config and catalog, then exit",
				Action: check,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		stop()
		os.Exit(1)
	}
}
