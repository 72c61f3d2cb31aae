package main

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chenders/deadonfilm-sub007/internal/cost"
	"github.com/chenders/deadonfilm-sub007/internal/model"
	"github.com/chenders/deadonfilm-sub007/internal/run"
)

var (
	enrichID    int64
	enrichFlags runFlags
)

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Enrich a single item and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnrich(ctx, "enrich")
		if err != nil {
			return err
		}
		defer env.Close()

		item, err := env.Store.GetItem(ctx, enrichID)
		if err != nil {
			return eris.Wrapf(err, "load item %d", enrichID)
		}

		d, err := env.driver(enrichFlags.limits(), run.Progress{})
		if err != nil {
			return err
		}

		rep, err := d.Run(ctx, []model.Item{*item}, enrichFlags.options(cmd))
		if err != nil && !errors.Is(err, cost.ErrBatchLimit) {
			return eris.Wrap(err, "enrich item")
		}
		if len(rep.Outcomes) == 0 {
			return eris.Errorf("item %d was not enriched: %s", enrichID, rep.ExitReason)
		}

		res := rep.Outcomes[0].Result
		zap.L().Info("enrichment complete",
			zap.Int64("item_id", item.ID),
			zap.String("name", item.Name),
			zap.String("stop_reason", string(res.StopReason)),
			zap.Bool("detailed", res.Detailed),
			zap.Float64("cost_usd", res.CostUSD),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	enrichCmd.Flags().Int64Var(&enrichID, "id", 0, "item ID (required)")
	_ = enrichCmd.MarkFlagRequired("id")
	enrichFlags.register(enrichCmd, false)
	rootCmd.AddCommand(enrichCmd)
}
