package cli

import (
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/roach88/hermetic/internal/ir"
)

// NewVersionCommand creates the version command.
func NewVersionCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := versionView{
				Engine:      ir.EngineVersion,
				Fingerprint: ir.FingerprintVersion,
				Go:          runtime.Version(),
				Platform:    runtime.GOOS + "/" + runtime.GOARCH,
			}
			return opts.formatter(cmd).Success(v, v.render)
		},
	}
}

type versionView struct {
	Engine      string `json:"engine"`
	Fingerprint string `json:"fingerprint"`
	Go          string `json:"go"`
	Platform    string `json:"platform"`
}

func (v versionView) render(w io.Writer) {
	fmt.Fprintf(w, "hermetic %s (fingerprint v%s, %s, %s)\n", v.Engine, v.Fingerprint, v.Go, v.Platform)
}
