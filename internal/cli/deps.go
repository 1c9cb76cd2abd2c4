package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/layerfix/internal/cache"
	"github.com/lucasnoah/layerfix/internal/config"
	"github.com/lucasnoah/layerfix/internal/db"
	"github.com/lucasnoah/layerfix/internal/fixes"
	"github.com/lucasnoah/layerfix/internal/layer"
	"github.com/lucasnoah/layerfix/internal/orchestrator"
	"github.com/lucasnoah/layerfix/internal/pattern"
	"github.com/lucasnoah/layerfix/internal/recovery"
	"github.com/lucasnoah/layerfix/internal/runs"
)

// loadConfig resolves --config, then the search paths, then the built-in
// defaults.
func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	cfg, _, err := config.LoadDefault()
	if errors.Is(err, config.ErrNotFound) {
		return config.Default(), nil
	}
	return cfg, err
}

// loadValidConfig is loadConfig followed by Validate.
func loadValidConfig() (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("config has %d validation error(s), first: %s", len(errs), errs[0])
	}
	return cfg, nil
}

// openDB opens and migrates the SQLite database named by the config.
func openDB(cfg *config.Config) (*db.DB, func(), error) {
	path := cfg.Store.Path
	if path == "" {
		p, err := db.DefaultDBPath()
		if err != nil {
			return nil, nil, err
		}
		path = p
	} else if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create directory for %s: %w", path, err)
	}
	d, err := db.Open(path)
	if err != nil {
		return nil, nil, err
	}
	if err := d.Migrate(); err != nil {
		d.Close()
		return nil, nil, err
	}
	return d, func() { d.Close() }, nil
}

// openRunStore returns the artifact store named by the config.
func openRunStore(cfg *config.Config) (*runs.Store, error) {
	if cfg.Runs.Dir != "" {
		return runs.NewStore(cfg.Runs.Dir), nil
	}
	return runs.DefaultStore()
}

// passThrough stands in for a disabled layer.
var passThrough = layer.ExecutorFunc(func(ctx context.Context, code string, opts layer.Options) (layer.Output, error) {
	return layer.Output{Code: code}, ctx.Err()
})

// buildLayers returns the built-in fixes with the config's overrides applied.
func buildLayers(cfg *config.Config) (*layer.Set, error) {
	set, err := layer.NewSet(fixes.Layers())
	if err != nil {
		return nil, err
	}
	for id, o := range cfg.Layers {
		lid := layer.ID(id)
		switch {
		case o.Disabled:
			err = set.Register(lid, passThrough)
		case o.Command != "":
			err = set.Register(lid, &layer.Command{
				ID:      lid,
				Runner:  &layer.ExecRunner{},
				Command: o.Command,
				Timeout: o.TimeoutDuration(),
			})
		}
		if err != nil {
			return nil, fmt.Errorf("layer %d override: %w", id, err)
		}
	}
	return set, nil
}

// layerSource describes what serves a layer under cfg.
func layerSource(cfg *config.Config, id layer.ID) string {
	if id == layer.Patterns {
		return "rules"
	}
	o, ok := cfg.Layers[int(id)]
	switch {
	case ok && o.Disabled:
		return "disabled"
	case ok && o.Command != "":
		return "command: " + o.Command
	}
	return "builtin"
}

// pipeline is everything a transform needs, wired from the config.
type pipeline struct {
	cfg     *config.Config
	orch    *orchestrator.Orchestrator
	engine  *pattern.Engine
	db      *db.DB
	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (p *pipeline) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
	p.closers = nil
}

// openPipeline builds the orchestrator for cfg. The rule store follows
// store.driver; any driver but memory also keeps the SQLite run log.
func openPipeline(ctx context.Context, cfg *config.Config, progress io.Writer) (*pipeline, error) {
	set, err := buildLayers(cfg)
	if err != nil {
		return nil, err
	}

	p := &pipeline{cfg: cfg}
	var persister pattern.Persister
	if cfg.Store.Driver != "memory" {
		d, cleanup, err := openDB(cfg)
		if err != nil {
			return nil, err
		}
		p.db = d
		p.closers = append(p.closers, cleanup)
		persister = d
	}
	if cfg.Store.Driver == "postgres" {
		pg, err := db.OpenPG(ctx, cfg.Store.DSN)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.closers = append(p.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			p.Close()
			return nil, err
		}
		persister = pg
	}

	p.engine = pattern.NewEngine(cfg.Learning.Config, nil, persister)
	p.engine.SetProgress(progress)
	if _, err := p.engine.Load(ctx); err != nil {
		p.Close()
		return nil, err
	}
	p.closers = append(p.closers, func() { p.engine.Close() })

	var reports *cache.LRU[*orchestrator.Report]
	if cfg.CacheEnabled() && cfg.Cache.Size > 0 {
		reports = cache.NewLRU[*orchestrator.Report](cfg.Cache.Size)
	}

	coord := recovery.NewCoordinator(nil)
	coord.SetProgress(progress)

	p.orch = orchestrator.NewOrchestrator(set, coord, p.engine, reports)
	p.orch.SetLearning(cfg.LearningEnabled())
	p.orch.SetProgress(progress)
	if p.db != nil {
		p.orch.SetRunLogger(p.db)
	}
	return p, nil
}

// progressWriter returns stderr when --progress is set.
func progressWriter(cmd *cobra.Command) io.Writer {
	if on, _ := cmd.Flags().GetBool("progress"); on {
		return cmd.ErrOrStderr()
	}
	return nil
}

// addTransformFlags registers the flags shared by transform and batch.
func addTransformFlags(cmd *cobra.Command) {
	cmd.Flags().String("layers", "", "Layers to run, by id or name (e.g. 1,3 or components); defaults to 1-6")
	cmd.Flags().Bool("verbose", false, "Keep every layer's input and output in the report")
	cmd.Flags().Bool("dry-run", false, "Run without caching, learning or logging the run")
	cmd.Flags().Duration("timeout", 0, "Per-layer timeout (0 disables)")
	cmd.Flags().Bool("save", false, "Save the report to the runs store")
}

// requestedLayers reads --layers, falling back to defaults.layers.
func requestedLayers(cmd *cobra.Command, cfg *config.Config) ([]layer.ID, error) {
	s, _ := cmd.Flags().GetString("layers")
	if s == "" {
		ids := make([]layer.ID, len(cfg.Defaults.Layers))
		for i, id := range cfg.Defaults.Layers {
			ids[i] = layer.ID(id)
		}
		return ids, nil
	}
	return layer.ParseIDs([]string{s})
}

// transformOptions merges the option flags that were set over the config
// defaults.
func transformOptions(cmd *cobra.Command, cfg *config.Config) (layer.Options, error) {
	opts := layer.Options{
		Verbose: cfg.Defaults.Verbose,
		DryRun:  cfg.Defaults.DryRun,
		Timeout: cfg.Defaults.TimeoutDuration(),
	}
	if cmd.Flags().Changed("verbose") {
		opts.Verbose, _ = cmd.Flags().GetBool("verbose")
	}
	if cmd.Flags().Changed("dry-run") {
		opts.DryRun, _ = cmd.Flags().GetBool("dry-run")
	}
	if cmd.Flags().Changed("timeout") {
		opts.Timeout, _ = cmd.Flags().GetDuration("timeout")
	}
	if opts.Timeout < 0 {
		return opts, fmt.Errorf("timeout must not be negative")
	}
	return opts, nil
}
