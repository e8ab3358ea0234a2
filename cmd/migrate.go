package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sitebrain/sitebrain/internal/app"
	"github.com/sitebrain/sitebrain/internal/migration"
)

var flagClearConfirm string

var migrateCmd = &cobra.Command{
	Use:   "migrate-vectors",
	Short: "Move vectors between backends or re-embed them",
	Long: `migrate-vectors copies embeddings from the active vector backend into
the alternate one (local pgvector or Pinecone, whichever is not active),
or regenerates them with the configured embedding model. Runs are
resumable: progress is checkpointed after every batch, and an interrupted
run picks up where it left off.`,
}

var migrateCopyCmd = &cobra.Command{
	Use:   "copy",
	Short: "Copy all vectors from the active backend to the alternate one",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigration(func(ctx context.Context, a *app.App) error {
			st, err := a.Migrator.Copy(ctx, a.Vectors, a.AltVectors)
			if st != nil {
				printMigrationState(st)
			}
			return err
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show copy and re-embed progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigration(func(ctx context.Context, a *app.App) error {
			copyState, err := a.Migrator.CopyStatus(ctx)
			if err != nil {
				return err
			}
			fmt.Println("copy:")
			printMigrationState(copyState)

			reembedState, err := a.Migrator.ReembedStatus(ctx)
			if err != nil {
				return err
			}
			fmt.Println("reembed:")
			printMigrationState(reembedState)
			return nil
		})
	},
}

var migrateReembedCmd = &cobra.Command{
	Use:   "reembed",
	Short: "Regenerate every chunk's embedding with the configured model",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		a, err := setupApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.Migrator.Reembed(ctx, a.Store.Chunks, a.Embedder, a.Vectors)
		if st != nil {
			printMigrationState(st)
		}
		return err
	},
}

var migrateResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget copy progress so the next run starts from scratch",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigration(func(ctx context.Context, a *app.App) error {
			return a.Migrator.ResetCopy(ctx)
		})
	},
}

var migrateClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every vector in the alternate backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigration(func(ctx context.Context, a *app.App) error {
			err := a.Migrator.ClearTarget(ctx, a.AltVectors, flagClearConfirm)
			if errors.Is(err, migration.ErrNotConfirmed) {
				return fmt.Errorf("%w: pass --confirm %q", err, migration.ConfirmClear)
			}
			return err
		})
	},
}

func init() {
	migrateClearCmd.Flags().StringVar(&flagClearConfirm, "confirm", "", "confirmation phrase; clearing is irreversible")
	migrateCmd.AddCommand(migrateCopyCmd, migrateStatusCmd, migrateReembedCmd, migrateResetCmd, migrateClearCmd)
	rootCmd.AddCommand(migrateCmd)
}

// withMigration runs fn with an app that has both vector backends
// configured. Copy, reset and clear are meaningless with only one backend.
func withMigration(fn func(context.Context, *app.App) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := setupApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.AltVectors == nil {
		return errors.New("no alternate vector backend configured; set pinecone host and api key")
	}
	return fn(ctx, a)
}

func printMigrationState(st *migration.State) {
	fmt.Printf("  status: %s\n", st.Status)
	if st.Total > 0 {
		fmt.Printf("  progress: %d/%d\n", st.Processed, st.Total)
	}
	if len(st.Failures) > 0 {
		fmt.Printf("  failed items: %d\n", len(st.Failures))
	}
	if st.Error != "" {
		fmt.Printf("  error: %s\n", st.Error)
	}
}
