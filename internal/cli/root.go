package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/hermetic/internal/config"
)

// RootOptions holds global flags and the state every subcommand shares.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	viper  *viper.Viper
	cfg    *config.Config
	logger *slog.Logger
	closer io.Closer
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// Config returns the configuration loaded before the command ran.
func (o *RootOptions) Config() *config.Config { return o.cfg }

// Logger returns the process logger.
func (o *RootOptions) Logger() *slog.Logger { return o.logger }

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// bind ties a command flag to a config key so an explicit flag wins over
// hermetic.yaml and HERMETIC_* variables.
func (o *RootOptions) bind(cmd *cobra.Command, key, flag string) {
	if err := config.BindFlag(o.viper, key, cmd.Flags().Lookup(flag)); err != nil {
		panic(err)
	}
}

// NewRootCommand creates the root command for the hermetic CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{viper: config.New()}

	cmd := &cobra.Command{
		Use:   "hermetic",
		Short: "hermetic - incremental, sandbox-observed builds",
		Long: `hermetic runs a graph of build steps (pips), skips the ones whose
observed inputs are unchanged, and records what every executed step
actually read and wrote.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			cfg, err := config.Load(opts.viper, opts.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "load config", err)
			}
			opts.cfg = cfg
			opts.logger, opts.closer = config.NewLogger(cfg.Log, cmd.ErrOrStderr(), opts.Verbose)
			slog.SetDefault(opts.logger)
			if cfg.File != "" {
				opts.logger.Debug("config loaded", "file", cfg.File)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.closer != nil {
				return opts.closer.Close()
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default ./hermetic.yaml)")

	cmd.AddCommand(NewBuildCommand(opts))
	cmd.AddCommand(NewGraphCommand(opts))
	cmd.AddCommand(NewHelloCommand(opts))
	cmd.AddCommand(NewCacheCommand(opts))
	cmd.AddCommand(NewServeCacheCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	return cmd
}
