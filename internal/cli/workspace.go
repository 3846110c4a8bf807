package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/roach88/hermetic/internal/cas"
	"github.com/roach88/hermetic/internal/cas/remote"
	"github.com/roach88/hermetic/internal/config"
	"github.com/roach88/hermetic/internal/memo"
	"github.com/roach88/hermetic/internal/metrics"
	"github.com/roach88/hermetic/internal/store"
)

// workspace is the persisted state one command works against: the local
// content store behind its optional remote tier, and the SQLite cache
// database.
type workspace struct {
	local   *cas.DiskStore
	content *cas.TieredStore
	db      *store.Store
	cache   *memo.Cache
}

func openWorkspace(ctx context.Context, cfg *config.Config, logger *slog.Logger, rec metrics.Recorder) (*workspace, error) {
	local, err := cas.NewDiskStore(cfg.Cache.Dir, cas.WithDiskLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open content store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Cache.DB), 0o755); err != nil {
		return nil, fmt.Errorf("create cache database dir: %w", err)
	}
	db, err := store.Open(cfg.Cache.DB)
	if err != nil {
		return nil, err
	}

	ws := &workspace{local: local, db: db}
	tiered := []cas.TieredOption{
		cas.WithRetryPolicy(cfg.Retry),
		cas.WithTieredLogger(logger),
		cas.WithRecorder(rec),
	}
	if cfg.Cache.Remote != "" {
		client, err := remote.NewClient(cfg.Cache.Remote, remote.WithClientRecorder(rec))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("remote cache: %w", err)
		}
		if hello, err := client.Hello(ctx); err != nil {
			logger.Warn("remote cache did not answer hello", "url", cfg.Cache.Remote, "error", err)
		} else {
			logger.Debug("remote cache ready", "url", cfg.Cache.Remote, "version", hello.Version)
		}
		tiered = append(tiered, cas.WithRemote(client))
	}
	ws.content = cas.NewTieredStore(local, tiered...)
	ws.cache = memo.New(
		memo.WithDurable(db),
		memo.WithStrictness(cfg.Cache.Strictness),
		memo.WithLogger(logger),
		memo.WithRecorder(rec),
	)
	return ws, nil
}

func (w *workspace) Close() error {
	return w.db.Close()
}
