package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/italolelis/novel_downloader/internal/config"
	"github.com/italolelis/novel_downloader/internal/orchestrator"
)

func newStatusCommand(cfg **config.Config) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running action and queue lengths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, *cfg)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			st, err := a.orch.Status(ctx)
			if err != nil {
				return err
			}

			return printStatus(cmd.OutOrStdout(), st, asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the status as JSON")

	return cmd
}

func printStatus(w io.Writer, st orchestrator.Status, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(st)
	}

	since := "-"
	if st.AcquiredAt != nil {
		since = humanize.Time(*st.AcquiredAt)
	}

	owner := st.Owner
	if owner == "" {
		owner = "-"
	}

	fmt.Fprintln(w, renderTable(
		[]string{"Action", "Owner", "Since"},
		[][]string{{st.Action, owner, since}},
		nil,
	))

	actions := make([]string, 0, len(st.Queues))
	for action := range st.Queues {
		actions = append(actions, action)
	}

	sort.Strings(actions)

	rows := make([][]string, 0, len(actions))

	for _, action := range actions {
		progress, updated := "-", "-"

		if u, ok := st.Progress[action]; ok {
			progress = fmt.Sprintf("%s/%s %s", humanize.Comma(int64(u.Current)), humanize.Comma(int64(u.Total)), u.Description)
			updated = humanize.Time(u.UpdatedAt)
		}

		rows = append(rows, []string{action, humanize.Comma(int64(st.Queues[action])), progress, updated})
	}

	fmt.Fprintln(w, renderTable(
		[]string{"Queue", "Items", "Progress", "Updated"},
		rows,
		[]text.Align{text.AlignLeft, text.AlignRight, text.AlignLeft, text.AlignLeft},
	))

	return nil
}

func renderTable(headers []string, rows [][]string, aligns []text.Align) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, len(headers))
	for i, h := range headers {
		header[i] = h
	}

	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, len(headers))
		for i := range headers {
			if i < len(row) {
				r[i] = row[i]
			}
		}

		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, len(aligns))
	for i, align := range aligns {
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft})
	}

	tw.SetColumnConfigs(configs)

	return tw.Render()
}
