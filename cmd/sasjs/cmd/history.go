package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/sasjs"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List requests recorded in debug mode",
	Long: `Lists the debug-mode requests recorded for the configured server, newest
first. Requests are only recorded when run with --debug (or debug: true).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		clearAll, _ := cmd.Flags().GetBool("clear")
		verbose, _ := cmd.Flags().GetBool("verbose")

		// History always lives in the database; force it on.
		debugMode = true
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		if clearAll {
			if err := client.ClearHistory(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("History cleared"))
			return nil
		}

		entries, err := client.History(cmd.Context())
		if err != nil {
			return err
		}
		printHistory(cmd.OutOrStdout(), entries, verbose)
		return nil
	},
}

func init() {
	historyCmd.Flags().Bool("clear", false, "delete recorded requests for this server")
	historyCmd.Flags().BoolP("verbose", "v", false, "include source and generated code")
	rootCmd.AddCommand(historyCmd)
}

func printHistory(w io.Writer, entries []sasjs.HistoryEntry, verbose bool) {
	if len(entries) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No requests recorded"))
		return
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%s  %s  %s\n",
			mutedStyle.Render(e.Timestamp.Local().Format("2006-01-02 15:04:05")),
			headerStyle.Render(e.JobPath),
			formatDuration(e.Duration))
		if !verbose {
			continue
		}
		if e.SourceCode != "" {
			fmt.Fprintln(w, sourceStyle.Render(e.SourceCode))
		}
		if e.GeneratedCode != "" {
			fmt.Fprintln(w, generatedStyle.Render(e.GeneratedCode))
		}
	}
}
