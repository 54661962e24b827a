package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/snapcheck/internal/model"
	"github.com/dharsanguruparan/snapcheck/internal/storage"
)

func newListCommand(ctx *commandContext) *cobra.Command {
	var (
		status    string
		olderThan time.Duration
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items, newest first",
		Long: `List work items, newest first.

Combine --status pending with --older-than to find items whose descriptor
was never published or never consumed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := model.ListFilter{Limit: limit}
			if status != "" {
				st, err := model.ParseStatus(status)
				if err != nil {
					return err
				}
				filter.Status = st
			}
			if olderThan > 0 {
				filter.OlderThan = time.Now().Add(-olderThan)
			}
			return ctx.withStore(cmd.Context(), func(store storage.Store) error {
				items, err := store.List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if len(items) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No work items")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Title", "Status", "Created", "Updated", "Violations"},
					buildItemRows(items),
				))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only items in this status (pending|processing|complete|failed)")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Only items created longer ago than this (e.g. 10m)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of items (0 for all)")
	return cmd
}

func buildItemRows(items []*model.WorkItem) [][]string {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			item.ID,
			item.Title,
			string(item.Status),
			humanize.Time(item.CreatedAt),
			humanize.Time(item.UpdatedAt),
			summarizeViolations(item.Violations),
		})
	}
	return rows
}

func summarizeViolations(v model.Violations) string {
	if len(v) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 3 {
		return strings.Join(keys[:3], ", ") + fmt.Sprintf(" (+%d)", len(keys)-3)
	}
	return strings.Join(keys, ", ")
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var violations string
	cmd := &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Apply a status transition by hand",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := model.ParseStatus(args[1])
			if err != nil {
				return err
			}
			var payload model.Violations
			if violations != "" {
				if err := json.Unmarshal([]byte(violations), &payload); err != nil {
					return fmt.Errorf("--violations must be a JSON object: %w", err)
				}
			}
			return ctx.withStore(cmd.Context(), func(store storage.Store) error {
				item, err := store.UpdateStatus(cmd.Context(), args[0], st, payload)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", item.ID, item.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&violations, "violations", "", `JSON payload for a terminal status, e.g. '{"blur":0.8}'`)
	return cmd
}
