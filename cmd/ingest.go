package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sitebrain/sitebrain/internal/store"
)

var flagIngestTitle string

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest content into the knowledge base",
}

var ingestFileCmd = &cobra.Command{
	Use:   "file <path>",
	Short: "Ingest a local file, processing it immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIngest(func(ctx context.Context, a ingester) (*store.Document, error) {
			return a.IngestFile(ctx, args[0], flagIngestTitle)
		})
	},
}

var ingestURLCmd = &cobra.Command{
	Use:   "url <url>",
	Short: "Fetch and ingest a web page, processing it immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIngest(func(ctx context.Context, a ingester) (*store.Document, error) {
			return a.IngestURL(ctx, args[0], flagIngestTitle)
		})
	},
}

func init() {
	ingestCmd.PersistentFlags().StringVar(&flagIngestTitle, "title", "", "document title (defaults to the source)")
	ingestCmd.AddCommand(ingestFileCmd, ingestURLCmd)
	rootCmd.AddCommand(ingestCmd)
}

type ingester interface {
	IngestFile(ctx context.Context, path, title string) (*store.Document, error)
	IngestURL(ctx context.Context, url, title string) (*store.Document, error)
}

func runIngest(fn func(context.Context, ingester) (*store.Document, error)) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := setupApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	doc, err := fn(ctx, a.Engine)
	if err != nil {
		if doc != nil {
			// The document row exists but processing failed; report both.
			return fmt.Errorf("document %s created but processing failed: %w", doc.ID, err)
		}
		return err
	}

	fmt.Printf("ingested %s (%s): %s\n", doc.ID, doc.Status, doc.Title)
	return nil
}
