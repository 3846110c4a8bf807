package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/hermetic/internal/cas/remote"
)

// NewHelloCommand creates the hello command.
func NewHelloCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "hello [url]",
		Short: "Probe a remote cache",
		Long: `Send a hello request to a remote cache and report its version and hash
algorithm. Without a URL the configured cache.remote is probed. The probe
gives up after two seconds.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			formatter := opts.formatter(cmd)
			url := opts.Config().Cache.Remote
			if len(args) == 1 {
				url = args[0]
			}
			if url == "" {
				_ = formatter.Error(ErrCodeConfig, "no remote cache: pass a URL or set cache.remote", nil)
				return NewExitError(ExitCommandError, "no remote cache configured")
			}

			client, err := remote.NewClient(url)
			if err != nil {
				_ = formatter.Error(ErrCodeRemote, err.Error(), nil)
				return WrapExitError(ExitCommandError, "remote cache", err)
			}
			hello, err := client.Hello(ctx)
			if err != nil {
				_ = formatter.Error(ErrCodeRemote, err.Error(), map[string]string{"url": url})
				return WrapExitError(ExitCommandError, "hello", err)
			}
			view := helloView{URL: url, HelloResponse: hello}
			return formatter.Success(view, view.render)
		},
	}
}

type helloView struct {
	URL string `json:"url"`
	remote.HelloResponse
}

func (v helloView) render(w io.Writer) {
	fmt.Fprintf(w, "%s: hermetic %s (%s)\n", v.URL, v.Version, v.HashAlgorithm)
}
