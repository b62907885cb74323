package main

import (
	"context"
	"fmt"

	"github.com/hyperengineering/outpost/internal/store"
	"github.com/hyperengineering/outpost/internal/syncengine"
	"github.com/spf13/cobra"
)

var (
	outboxDBPath     string
	outboxJSONOutput bool
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect queued local mutations",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending mutations in publish order",
	Args:  cobra.NoArgs,
	RunE:  runOutboxList,
}

func init() {
	outboxCmd.PersistentFlags().StringVar(&outboxDBPath, "db", "",
		"Local database path (overrides config and OUTPOST_DB_PATH)")
	outboxCmd.PersistentFlags().BoolVar(&outboxJSONOutput, "json", false,
		"Output in JSON format")

	outboxCmd.AddCommand(outboxListCmd)
}

func runOutboxList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	path := outboxDBPath
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		path = cfg.Database.Path
	}

	s, err := store.NewSQLiteStore(path)
	if err != nil {
		return err
	}
	defer s.Close()

	outbox := syncengine.NewMutationOutbox(s, nil)
	if err := outbox.Load(ctx); err != nil {
		return fmt.Errorf("load outbox: %w", err)
	}
	pending := outbox.Pending()

	if outboxJSONOutput {
		items := make([]map[string]any, len(pending))
		for i, m := range pending {
			items[i] = map[string]any{
				"id":        m.MutationID,
				"model":     m.Model(),
				"record_id": m.Record.ID,
				"type":      m.Type,
				"created":   m.CreatedAt,
				"record":    m.Record,
			}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"mutations": items,
			"total":     len(items),
		})
	}

	if len(pending) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Outbox is empty.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tMODEL\tRECORD\tTYPE\tCREATED")
	for _, m := range pending {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			m.MutationID,
			m.Model(),
			m.Record.ID,
			m.Type,
			m.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	w.Flush()

	return nil
}
