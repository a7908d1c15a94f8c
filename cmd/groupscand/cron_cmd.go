package main

import (
	"fmt"
	"time"

	"groupscan/internal/core"

	"github.com/spf13/cobra"
)

var (
	cronCount int
	cronUTC   bool
)

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Cron expression helpers",
}

var cronNextCmd = &cobra.Command{
	Use:   "next <expr>",
	Short: "Print the next fire times of a 5-field cron expression",
	Example: `  groupscand cron next "0 * * * *"
  groupscand cron next --count 3 --utc "*/15 9-17 * * 1-5"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		schedule, err := core.ParseCron(args[0])
		if err != nil {
			return err
		}
		if cronCount <= 0 || cronCount > 50 {
			return fmt.Errorf("--count must be between 1 and 50")
		}
		base := time.Now()
		if cronUTC {
			base = base.UTC()
		}
		out := cmd.OutOrStdout()
		for _, t := range core.NextOccurrences(schedule, base, cronCount) {
			fmt.Fprintln(out, t.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	cronNextCmd.Flags().IntVar(&cronCount, "count", 5, "Number of fire times to print")
	cronNextCmd.Flags().BoolVar(&cronUTC, "utc", false, "Evaluate in UTC instead of local time")
	cronCmd.AddCommand(cronNextCmd)
}
