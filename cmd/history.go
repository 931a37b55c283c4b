package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/uiprobe/api/schemas"
	"github.com/xkilldash9x/uiprobe/internal/config"
	"github.com/xkilldash9x/uiprobe/internal/observability"
	"github.com/xkilldash9x/uiprobe/internal/store"
)

// outcomeStore is the part of *store.Store the commands use.
type outcomeStore interface {
	EnsureSchema(ctx context.Context) error
	PersistOutcome(ctx context.Context, o *schemas.ScenarioOutcome) (string, error)
	History(ctx context.Context, scenarioID string, limit int) ([]store.RunSummary, error)
}

// storeProvider creates an outcome store and a cleanup function that
// releases its connections. Tests inject a mock instead of PostgreSQL.
type storeProvider interface {
	Create(ctx context.Context, cfg config.Interface) (outcomeStore, func(), error)
}

// defaultStoreProvider connects to PostgreSQL through a pgx pool.
type defaultStoreProvider struct{}

// NewStoreProvider returns the production store provider.
func NewStoreProvider() storeProvider {
	return &defaultStoreProvider{}
}

func (p *defaultStoreProvider) Create(ctx context.Context, cfg config.Interface) (outcomeStore, func(), error) {
	logger := observability.GetLogger()
	if cfg.Database().URL == "" {
		return nil, nil, fmt.Errorf("database URL is not configured (UIPROBE_DATABASE_URL)")
	}

	pool, err := pgxpool.New(ctx, cfg.Database().URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	st, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to initialize store service: %w", err)
	}

	cleanup := func() {
		pool.Close()
		logger.Debug("Database connection pool closed.")
	}
	return st, cleanup, nil
}

// newHistoryCmd creates the `history` command.
func newHistoryCmd(provider storeProvider) *cobra.Command {
	var limit int

	historyCmd := &cobra.Command{
		Use:   "history <scenario-id>",
		Short: "Shows the most recent stored runs of a scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			st, cleanup, err := provider.Create(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			runs, err := st.History(ctx, args[0], limit)
			if err != nil {
				return err
			}
			return printHistory(cmd.OutOrStdout(), args[0], runs)
		},
	}
	historyCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs to show")
	return historyCmd
}

func printHistory(w io.Writer, scenarioID string, runs []store.RunSummary) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintf(w, "No stored runs for %s.\n", scenarioID)
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tRESULT\tDURATION\tFAILED STEP\tKIND\tRUN ID")
	for _, r := range runs {
		step := "-"
		if r.FailedStepIndex != nil {
			step = fmt.Sprint(*r.FailedStepIndex)
		}
		kind := string(r.FailureKind)
		if kind == "" {
			kind = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.StartedAt.UTC().Format(time.RFC3339),
			r.Result,
			time.Duration(r.DurationMs)*time.Millisecond,
			step, kind, r.RunID)
	}
	return tw.Flush()
}
