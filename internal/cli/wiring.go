package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/qtinav/internal/config"
	"github.com/roach88/qtinav/internal/engine"
	"github.com/roach88/qtinav/internal/itemstore"
	"github.com/roach88/qtinav/internal/metrics"
	"github.com/roach88/qtinav/internal/store"
)

// loadConfig reads --config over the defaults. --verbose forces debug logs.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// newLogger builds the process logger described by cfg.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level, err := cfg.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

// backend is the authoritative server stack: database, caches and controller.
type backend struct {
	store *store.Store
	maps  *itemstore.Maps
	items *itemstore.Store
	ctrl  *engine.Controller
}

// openBackend opens the server database and wires the item source named by
// cfg.Items. collector may be nil.
func openBackend(ctx context.Context, cfg *config.Config, dbPath string, logger *slog.Logger,
	collector *metrics.Collector) (*backend, error) {
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}

	loader, err := itemLoader(ctx, cfg, st)
	if err != nil {
		st.Close()
		return nil, err
	}

	var observer itemstore.Observer
	itemOpts := []itemstore.Option{itemstore.WithLogger(logger)}
	ctrlOpts := []engine.Option{engine.WithLogger(logger)}
	if collector != nil {
		observer = collector
		itemOpts = append(itemOpts, itemstore.WithObserver(collector))
		ctrlOpts = append(ctrlOpts, engine.WithRecorder(collector))
	}

	maps, err := itemstore.NewMaps(0, st, observer)
	if err != nil {
		st.Close()
		return nil, err
	}
	items, err := itemstore.New(cfg.Items.CacheSize, loader, itemOpts...)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &backend{
		store: st,
		maps:  maps,
		items: items,
		ctrl:  engine.NewController(st, maps, items, ctrlOpts...),
	}, nil
}

func (b *backend) Close() error {
	return b.store.Close()
}

// itemLoader returns the item source for cache misses.
func itemLoader(ctx context.Context, cfg *config.Config, st *store.Store) (itemstore.Loader, error) {
	switch cfg.Items.Source {
	case config.SourceS3:
		l, err := newS3Loader(ctx, cfg.Items.S3)
		if err != nil {
			return nil, fmt.Errorf("s3 item source: %w", err)
		}
		return l, nil
	default:
		return st, nil
	}
}

func newS3Loader(ctx context.Context, c config.S3Config) (*itemstore.S3Loader, error) {
	return itemstore.NewS3Loader(ctx, itemstore.S3Config{
		Bucket:    c.Bucket,
		Prefix:    c.Prefix,
		Region:    c.Region,
		Endpoint:  c.Endpoint,
		PathStyle: c.PathStyle,
	})
}
