package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/heron/internal/audience"
	"github.com/opensource-finance/heron/internal/catalog"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/repository"
	"github.com/opensource-finance/heron/internal/rules"
	"github.com/opensource-finance/heron/internal/segment"
)

var recalculateCmd = &cobra.Command{
	Use:   "recalculate [segment-id...]",
	Short: "Recompute audience sizes against the configured store",
	Long: `Recomputes the audience size of the named segments, or of every segment
of the tenant when none are named. Runs inline and does not use the event bus.`,
	RunE: runRecalculate,
}

func init() {
	rootCmd.AddCommand(recalculateCmd)
	recalculateCmd.Flags().String("tenant", "", "tenant id (required)")
	_ = recalculateCmd.MarkFlagRequired("tenant")
}

func runRecalculate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	tenantID, _ := cmd.Flags().GetString("tenant")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.New(ctx, cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()

	return recalculate(ctx, cmd, repo, tenantID, args)
}

func recalculate(ctx context.Context, cmd *cobra.Command, repo domain.Repository, tenantID string, ids []string) error {
	evaluator := audience.NewEvaluator(repo, rules.NewCompiler(catalog.Default()))
	segments := segment.NewService(repo, evaluator)

	if len(ids) == 0 {
		all, err := segments.List(ctx, tenantID)
		if err != nil {
			return err
		}
		for _, seg := range all {
			ids = append(ids, seg.ID)
		}
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEGMENT\tNAME\tAUDIENCE")
	var failed int
	for _, id := range ids {
		seg, err := segments.Recalculate(ctx, tenantID, id)
		if err != nil {
			failed++
			fmt.Fprintf(tw, "%s\t\terror: %v\n", id, err)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\n", seg.ID, seg.Name, seg.AudienceSize)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d segments failed to recalculate", failed, len(ids))
	}
	return nil
}
