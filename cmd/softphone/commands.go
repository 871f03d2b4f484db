package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hamzaKhattat/softphone-core/internal/app"
	"github.com/hamzaKhattat/softphone-core/internal/models"
	"github.com/hamzaKhattat/softphone-core/internal/settings"
	"github.com/hamzaKhattat/softphone-core/pkg/errors"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// openStore loads the configuration and opens only the persistence layer.
// Changes made while "serve" runs are overwritten by the running process.
func openStore(ctx context.Context) (*app.App, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.History.Load(ctx)
	return a, nil
}

func createHistoryCommands() *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and edit the call history",
	}

	historyCmd.AddCommand(
		createHistoryListCommand(),
		createHistoryDeleteCommand(),
		createHistoryClearCommand(),
	)

	return historyCmd
}

func createHistoryListCommand() *cobra.Command {
	var (
		limit int
		stats bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recent calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			items := a.History.Recent(limit)
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No calls in history")
				return nil
			}
			renderHistory(cmd.OutOrStdout(), items)

			if stats {
				fmt.Fprintln(cmd.OutOrStdout())
				renderStats(cmd.OutOrStdout(), a.History.Stats(), a.History.Len())
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of calls to show")
	cmd.Flags().BoolVar(&stats, "stats", false, "Show totals per outcome")

	return cmd
}

func createHistoryDeleteCommand() *cobra.Command {
	var byIndex bool

	cmd := &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete history items by id, or by position with --index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			var removed int
			if byIndex {
				indexes, err := parseIndexes(args)
				if err != nil {
					return err
				}
				removed = a.History.DeleteAt(ctx, indexes...)
			} else {
				removed = a.History.DeleteIDs(ctx, args...)
			}

			if removed == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s No matching history items\n", yellow("!"))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted %d history item(s)\n", green("✓"), removed)
			return nil
		},
	}

	cmd.Flags().BoolVar(&byIndex, "index", false, "Treat arguments as zero-based positions, newest first")

	return cmd
}

func createHistoryClearCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the whole call history",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if !yes && !confirm(cmd.InOrStdin(), cmd.OutOrStdout(), fmt.Sprintf("Delete all %d history items?", a.History.Len())) {
				fmt.Fprintln(cmd.OutOrStdout(), "Clear cancelled")
				return nil
			}

			a.History.Clear(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "%s Call history cleared\n", green("✓"))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")

	return cmd
}

func createSettingsCommands() *cobra.Command {
	settingsCmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change user preferences",
	}

	settingsCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Show every setting",
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := context.Background()
				a, err := openStore(ctx)
				if err != nil {
					return err
				}
				defer a.Close()

				renderSettings(cmd.OutOrStdout(), a.Settings.All(ctx))
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <key> <true|false>",
			Short: "Change a setting",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				key, err := settings.ParseKey(args[0])
				if err != nil {
					return err
				}
				value, err := strconv.ParseBool(args[1])
				if err != nil {
					return errors.Newf(errors.ErrInvalidArgument, "invalid value %q, want true or false", args[1])
				}

				ctx := context.Background()
				a, err := openStore(ctx)
				if err != nil {
					return err
				}
				defer a.Close()

				if err := a.Settings.Set(ctx, key, value); err != nil {
					return fmt.Errorf("failed to save setting: %v", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s = %t\n", green("✓"), key, value)
				return nil
			},
		},
	)

	return settingsCmd
}

func createConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, v, err := loadConfig()
			if err != nil {
				return err
			}
			renderConfig(cmd.OutOrStdout(), v)
			return nil
		},
	}
}

func renderHistory(w io.Writer, items []models.CallHistoryItem) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "ID", "Direction", "Remote", "Started", "Duration", "Outcome"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)

	for i, item := range items {
		direction := "out"
		if item.IsIncoming() {
			direction = "in"
		}
		table.Append([]string{
			strconv.Itoa(i),
			item.ID,
			direction,
			item.RemoteSide,
			item.StartTime.Local().Format("2006-01-02 15:04:05"),
			item.DurationText(),
			outcomeText(item.Outcome),
		})
	}

	table.Render()
}

func outcomeText(o models.Outcome) string {
	switch o {
	case models.OutcomeAnswered:
		return green(string(o))
	case models.OutcomeMissed:
		return yellow(string(o))
	case models.OutcomeRejected, models.OutcomeFailed:
		return red(string(o))
	}
	return string(o)
}

func renderStats(w io.Writer, stats map[models.Outcome]int, total int) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Outcome", "Calls"})
	table.SetBorder(false)

	for _, o := range []models.Outcome{models.OutcomeAnswered, models.OutcomeMissed, models.OutcomeRejected, models.OutcomeFailed} {
		table.Append([]string{string(o), strconv.Itoa(stats[o])})
	}
	table.SetFooter([]string{"Total", strconv.Itoa(total)})
	table.Render()
}

func renderSettings(w io.Writer, values map[settings.Key]bool) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Setting", "Value"})
	table.SetBorder(false)

	for _, k := range settings.Keys {
		value := red("off")
		if values[k] {
			value = green("on")
		}
		table.Append([]string{string(k), value})
	}
	table.Render()
}

func renderConfig(w io.Writer, v *viper.Viper) {
	keys := v.AllKeys()
	sort.Strings(keys)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Key", "Value"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)

	for _, k := range keys {
		value := fmt.Sprint(v.Get(k))
		if secret(k) && value != "" {
			value = "********"
		}
		table.Append([]string{bold(k), value})
	}
	table.Render()
}

func secret(key string) bool {
	return strings.HasSuffix(key, "password") || strings.HasSuffix(key, "token")
}

func parseIndexes(args []string) ([]int, error) {
	indexes := make([]int, 0, len(args))
	for _, a := range args {
		i, err := strconv.Atoi(a)
		if err != nil || i < 0 {
			return nil, errors.Newf(errors.ErrInvalidArgument, "invalid history position %q", a)
		}
		indexes = append(indexes, i)
	}
	return indexes, nil
}

func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", question)
	response, _ := bufio.NewReader(in).ReadString('\n')
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}
