package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chenders/deadonfilm-sub007/internal/model"
)

var importPath string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import items from a JSON file into the store",
	Long:  "Reads a JSON array of items (id, name, birthday, deathday, popularity, ...) and upserts them. Existing enrichment values are replaced by the file's.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("import"); err != nil {
			return err
		}

		items, err := readItems(importPath)
		if err != nil {
			return eris.Wrap(err, "import json")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := importItems(ctx, st, items)
		if err != nil {
			return err
		}

		zap.L().Info("import complete",
			zap.Int64("imported", n),
			zap.String("file", importPath),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importPath, "file", "", "path to JSON file (required)")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}

// readItems decodes a JSON array of items and rejects rows without an ID
// or name.
func readItems(path string) ([]model.Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "open %s", path)
	}
	defer f.Close() //nolint:errcheck

	var items []model.Item
	if err := json.NewDecoder(f).Decode(&items); err != nil {
		return nil, eris.Wrapf(err, "decode %s", path)
	}
	for i, it := range items {
		if it.ID <= 0 {
			return nil, eris.Errorf("item %d: id is required", i)
		}
		if it.Name == "" {
			return nil, eris.Errorf("item %d (id %d): name is required", i, it.ID)
		}
	}
	return items, nil
}

type itemImporter interface {
	ImportItems(ctx context.Context, items []model.Item) (int64, error)
}

func importItems(ctx context.Context, st itemImporter, items []model.Item) (int64, error) {
	if len(items) == 0 {
		return 0, nil
	}
	n, err := st.ImportItems(ctx, items)
	if err != nil {
		return 0, eris.Wrap(err, "import items")
	}
	return n, nil
}
