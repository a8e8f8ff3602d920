package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/amr.controller/internal/httputil"
	"github.com/banshee-data/amr.controller/internal/version"
)

const defaultServer = "http://localhost:8080"

type rootOptions struct {
	server  string
	timeout time.Duration
	json    bool

	// httpClient replaces the standard client in tests.
	httpClient httputil.HTTPClient
}

func (o *rootOptions) client() (*client, error) {
	hc := o.httpClient
	if hc == nil {
		hc = httputil.NewStandardClient(&http.Client{Timeout: o.timeout})
	}
	return newClient(o.server, hc)
}

// requestContext bounds a single API call.
func (o *rootOptions) requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, o.timeout)
}

func Execute() {
	if err := newRootCmd(nil).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(hc httputil.HTTPClient) *cobra.Command {
	opts := &rootOptions{httpClient: hc}

	server := os.Getenv("AMR_SERVER")
	if server == "" {
		server = defaultServer
	}

	cmd := &cobra.Command{
		Use:          "amrctl",
		Short:        "Operate the robot through the controller API",
		Version:      version.String("amrctl"),
		SilenceUsage: true,
	}
	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&opts.server, "server", "s", server, "Controller base URL (env AMR_SERVER)")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "Per-request timeout")
	cmd.PersistentFlags().BoolVar(&opts.json, "json", false, "Print raw JSON responses")

	cmd.AddCommand(
		statusCmd(opts),
		modeCmd(opts),
		estopCmd(opts),
		rearmCmd(opts),
		driveCmd(opts),
		maneuverCmd(opts),
		eventsCmd(opts),
		teleopCmd(opts),
	)
	return cmd
}
