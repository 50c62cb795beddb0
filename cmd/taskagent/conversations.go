package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/taskagent/internal/database"
	"github.com/nugget/taskagent/internal/usage"
)

func newConversationsCmd(flags *globalFlags) *cobra.Command {
	var (
		user   string
		cursor string
		limit  int
	)
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"convs"},
		Short:   "List a user's conversations, most recent first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			page, err := a.memory.List(cmd.Context(), user, cursor, limit)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if flags.output == "json" {
				return writeIndented(w, page)
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tUPDATED\tTITLE")
			for _, c := range page.Items {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", c.ID, c.UpdatedAt.Local().Format(time.DateTime), c.Title)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if page.NextCursor != "" {
				fmt.Fprintf(w, "\nmore: --cursor %s\n", page.NextCursor)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", cliUser, "User ID whose conversations to list")
	cmd.Flags().StringVar(&cursor, "cursor", "", "Continue from a previous page")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Page size (default 20, max 100)")

	cmd.AddCommand(newConversationShowCmd(flags), newConversationDeleteCmd(flags))
	return cmd
}

func newConversationShowCmd(flags *globalFlags) *cobra.Command {
	var (
		user           string
		includeDeleted bool
	)
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a conversation transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			conv, err := a.memory.Fetch(cmd.Context(), args[0], user, includeDeleted)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if flags.output == "json" {
				return writeIndented(w, conv)
			}
			fmt.Fprintf(w, "%s\n", conv.Title)
			if conv.DeletedAt != nil {
				fmt.Fprintf(w, "(deleted %s)\n", conv.DeletedAt.Local().Format(time.DateTime))
			}
			fmt.Fprintln(w)
			for _, m := range conv.Messages {
				label := m.Role
				if m.ToolName != "" {
					label += " " + m.ToolName
				}
				for _, c := range m.ToolCalls {
					fmt.Fprintf(w, "[%s] → %s %s\n", m.CreatedAt.Local().Format(time.TimeOnly), c.Function.Name, c.Function.ArgumentsJSON())
				}
				if m.Content != "" {
					fmt.Fprintf(w, "[%s] %s: %s\n", m.CreatedAt.Local().Format(time.TimeOnly), label, m.Content)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", cliUser, "User ID that owns the conversation")
	cmd.Flags().BoolVar(&includeDeleted, "include-deleted", false, "Allow showing a deleted conversation")
	return cmd
}

func newConversationDeleteCmd(flags *globalFlags) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a conversation (it stays available for audit)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.memory.SoftDelete(cmd.Context(), args[0], user); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", cliUser, "User ID that owns the conversation")
	return cmd
}

func newUsageCmd(flags *globalFlags) *cobra.Command {
	var (
		since time.Duration
		by    string
	)
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Summarize model token usage and cost",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			end := time.Now()
			start := end.Add(-since)

			var groups map[string]*usage.Summary
			switch by {
			case "model":
				groups, err = a.usage.SummaryByModel(cmd.Context(), start, end)
			case "user":
				groups, err = a.usage.SummaryByUser(cmd.Context(), start, end)
			default:
				return fmt.Errorf("unknown grouping %q (expected model or user)", by)
			}
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if flags.output == "json" {
				return writeIndented(w, groups)
			}
			keys := make([]string, 0, len(groups))
			for k := range groups {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			fmt.Fprintf(w, "since %s\n\n", database.FormatTime(start))
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "%s\tCALLS\tINPUT\tOUTPUT\tCOST\n", by)
			for _, k := range keys {
				s := groups[k]
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t$%.4f\n", k, s.TotalRecords, s.TotalInputTokens, s.TotalOutputTokens, s.TotalCostUSD)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "How far back to summarize")
	cmd.Flags().StringVar(&by, "by", "model", "Group by model or user")
	return cmd
}

// openApp loads config and wires the app with logs on stderr.
func openApp(cmd *cobra.Command, flags *globalFlags) (*app, error) {
	cfg, _, err := loadConfig(flags.configPath)
	if err != nil {
		return nil, err
	}
	return newApp(cfg, cmd.ErrOrStderr())
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
