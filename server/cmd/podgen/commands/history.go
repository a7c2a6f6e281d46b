package commands

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"podgen/server/internal/model"
	"podgen/server/internal/session"
)

var (
	historyLimit  int
	historyEvents bool
)

var historyCmd = &cobra.Command{
	Use:   "history [generation-id]",
	Short: "List generations, or print one record as JSON",
	Long: `不帶參數時列出最近的生成紀錄；指定 generation-id 時印出該筆紀錄，
加上 --events 則改為逐行印出該次生成收到的串流事件。`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "max records to list (0 = all)")
	historyCmd.Flags().BoolVar(&historyEvents, "events", false, "print the stream events of the given generation")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if len(args) == 1 {
			rec, err := a.sessions.Get(ctx, args[0])
			if errors.Is(err, session.ErrNotFound) {
				return fmt.Errorf("generation %s not found", args[0])
			}
			if err != nil {
				return err
			}
			if historyEvents {
				return printEvents(cmd, a, rec.GenerationID)
			}
			data, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
			return nil
		}

		recs, err := a.sessions.List(ctx, historyLimit)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Fprintln(out, "no generations")
			return nil
		}
		styles := NewStyles()
		for _, rec := range recs {
			fmt.Fprintln(out, historyLine(styles, rec))
		}
		return nil
	})
}

func historyLine(styles Styles, rec model.GenerationRecord) string {
	status := string(rec.Status)
	if rec.Status == model.StatusError {
		status = styles.Error.Render(status)
		if rec.Err != nil {
			status += " " + styles.Dim.Render(rec.Err.Message)
		}
	}
	return fmt.Sprintf("%s  %s  %-6s %d/%d  %s",
		styles.Dim.Render(rec.CreatedAt.Format("2006-01-02 15:04:05")),
		rec.GenerationID,
		rec.Kind,
		rec.Received,
		rec.Total,
		status)
}

func printEvents(cmd *cobra.Command, a *app, generationID string) error {
	events, err := a.timeline.List(cmd.Context(), generationID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, evt := range events {
		data, err := json.Marshal(evt)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	}
	return nil
}
