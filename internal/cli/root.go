// Package cli implements ragctl, a command-line client that runs the
// retrieval and ingestion components in-process.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/knoguchi/hybridrag/internal/app"
	"github.com/knoguchi/hybridrag/internal/config"
	"github.com/knoguchi/hybridrag/internal/logger"
	"github.com/spf13/cobra"
)

// Opener builds the application components for a command.
type Opener func(ctx context.Context) (*app.App, error)

// Execute runs ragctl with components built from the environment.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return NewRootCmd(openFromEnv).ExecuteContext(ctx)
}

func openFromEnv(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return app.New(ctx, cfg, logger.NewWithWriter(os.Stderr, cfg.LogLevel))
}

type options struct {
	open       Opener
	jsonOutput bool
	filename   string
}

// NewRootCmd creates the ragctl command tree.
func NewRootCmd(open Opener) *cobra.Command {
	opts := &options{open: open}

	root := &cobra.Command{
		Use:   "ragctl",
		Short: "Hybrid passage retrieval CLI",
		Long: `ragctl ingests chunked documents and queries them with hybrid
vector + BM25 retrieval and cross-encoder reranking.

Example usage:
  ragctl ingest chunks.json --filename paper.pdf
  ragctl search "what is self attention" --filename paper.pdf
  ragctl answer "who proposed BM25?"
  ragctl documents --status ready`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output as JSON")

	root.AddCommand(
		newSearchCmd(opts),
		newAnswerCmd(opts),
		newIngestCmd(opts),
		newDocumentsCmd(opts),
		newDeleteCmd(opts),
		newTokenCmd(),
	)
	return root
}

// withApp opens the components, runs fn and releases them.
func (o *options) withApp(cmd *cobra.Command, fn func(*app.App) error) error {
	a, err := o.open(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
