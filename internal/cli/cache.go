package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/hermetic/internal/cas"
	"github.com/roach88/hermetic/internal/metrics"
	"github.com/roach88/hermetic/internal/store"
)

// NewCacheCommand creates the cache command group.
func NewCacheCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the local cache",
	}
	cmd.AddCommand(newCacheStatsCommand(opts))
	cmd.AddCommand(newCacheGCCommand(opts))
	return cmd
}

type cacheStatsView struct {
	Dir     string              `json:"dir"`
	DB      string              `json:"db"`
	Content cas.Stats           `json:"content"`
	Entries store.Stats         `json:"entries"`
	Recent  []store.BuildRecord `json:"recent_builds,omitempty"`
}

func (v cacheStatsView) render(w io.Writer) {
	fmt.Fprintf(w, "content store %s: %d objects, %d bytes\n", v.Dir, v.Content.Objects, v.Content.Bytes)
	fmt.Fprintf(w, "cache db %s: %d entries in %d families, %d builds\n", v.DB, v.Entries.Entries, v.Entries.Families, v.Entries.Builds)
	for _, b := range v.Recent {
		fmt.Fprintf(w, "  %s  %-8s %d pips (%d executed, %d cached, %d failed, %d skipped)\n",
			b.StartedAt.Format("2006-01-02 15:04:05"), b.Outcome, b.Total, b.Executed, b.CacheHits, b.Failed, b.Skipped)
	}
}

func newCacheStatsCommand(opts *RootOptions) *cobra.Command {
	var recent int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show content store and cache database statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			formatter := opts.formatter(cmd)
			cfg := opts.Config()
			ws, err := openLocalWorkspace(ctx, opts)
			if err != nil {
				_ = formatter.Error(ErrCodeStore, "open cache", err.Error())
				return WrapExitError(ExitCommandError, "open cache", err)
			}
			defer ws.Close()

			view := cacheStatsView{Dir: cfg.Cache.Dir, DB: cfg.Cache.DB}
			if view.Content, err = ws.local.Stats(ctx); err != nil {
				return WrapExitError(ExitCommandError, "content store stats", err)
			}
			if view.Entries, err = ws.db.Stats(ctx); err != nil {
				return WrapExitError(ExitCommandError, "cache db stats", err)
			}
			if recent > 0 {
				if view.Recent, err = ws.db.RecentBuilds(ctx, recent); err != nil {
					return WrapExitError(ExitCommandError, "recent builds", err)
				}
			}
			return formatter.Success(view, view.render)
		},
	}
	cmd.Flags().IntVar(&recent, "recent", 5, "number of recent builds to list")
	return cmd
}

type cacheGCView struct {
	Live    int       `json:"live"`
	Removed int       `json:"removed"`
	After   cas.Stats `json:"after"`
}

func (v cacheGCView) render(w io.Writer) {
	fmt.Fprintf(w, "removed %d unreferenced objects; %d live, %d objects (%d bytes) remain\n",
		v.Removed, v.Live, v.After.Objects, v.After.Bytes)
}

func newCacheGCCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Remove content store objects no cache entry references",
		Long: `Delete every object in the local content store whose hash is not an
output of some persisted cache entry. Do not run it while a build is
using the same cache directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			formatter := opts.formatter(cmd)
			ws, err := openLocalWorkspace(ctx, opts)
			if err != nil {
				_ = formatter.Error(ErrCodeStore, "open cache", err.Error())
				return WrapExitError(ExitCommandError, "open cache", err)
			}
			defer ws.Close()

			live, err := ws.db.LiveHashes(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "collect live set", err)
			}
			removed, err := ws.local.GC(ctx, live)
			if err != nil {
				return WrapExitError(ExitCommandError, "gc", err)
			}
			after, err := ws.local.Stats(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "content store stats", err)
			}
			opts.Logger().Info("content store collected", "removed", removed, "live", len(live))
			view := cacheGCView{Live: len(live), Removed: removed, After: after}
			return formatter.Success(view, view.render)
		},
	}
}

// openLocalWorkspace opens the cache without consulting the remote tier.
func openLocalWorkspace(ctx context.Context, opts *RootOptions) (*workspace, error) {
	cfg := *opts.Config()
	cfg.Cache.Remote = ""
	return openWorkspace(ctx, &cfg, opts.Logger(), metrics.NoopRecorder{})
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
