package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/sasjs"
	"github.com/Dicklesworthstone/sasjs/internal/watcher"
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Inspect job logs",
}

var logParseCmd = &cobra.Command{
	Use:   "parse <file>",
	Short: "Split a saved job log into source and generated code",
	Long: `Reads a plain-text log or a JSON log page and prints the numbered source
lines and the MPRINT (generated) lines. Use "-" to read stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			raw []byte
			err error
		)
		if args[0] == "-" {
			raw, err = io.ReadAll(stdin)
		} else {
			raw, err = os.ReadFile(args[0])
		}
		if err != nil {
			return fmt.Errorf("read log: %w", err)
		}
		return printParsed(cmd, sasjs.ParseLog(raw))
	},
}

var logFollowCmd = &cobra.Command{
	Use:   "follow <file>",
	Short: "Follow a streamed job log as it grows",
	Long: `Prints each new line of <file>, colored by kind: source code, generated
code or other output. The file may not exist yet. Stop with Ctrl+C.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := watcher.Follow(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		out := cmd.OutOrStdout()
		errs := f.Errors()
		for {
			select {
			case <-cmd.Context().Done():
				return nil
			case line, ok := <-f.Lines():
				if !ok {
					return nil
				}
				fmt.Fprintln(out, lineStyle(line.Kind).Render(line.Text))
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				fmt.Fprintln(cmd.ErrOrStderr(), errStyle.Render(err.Error()))
			}
		}
	},
}

func init() {
	addCodeFlags(logParseCmd)
	logCmd.AddCommand(logParseCmd)
	logCmd.AddCommand(logFollowCmd)
	rootCmd.AddCommand(logCmd)
}

func addCodeFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("source", false, "print only source code")
	cmd.Flags().Bool("generated", false, "print only generated code")
	cmd.MarkFlagsMutuallyExclusive("source", "generated")
}

func printParsed(cmd *cobra.Command, parsed sasjs.ParsedLog) error {
	onlySource, _ := cmd.Flags().GetBool("source")
	onlyGenerated, _ := cmd.Flags().GetBool("generated")
	out := cmd.OutOrStdout()

	switch {
	case onlySource:
		fmt.Fprintln(out, strings.Join(parsed.SourceCodeLines, "\n"))
	case onlyGenerated:
		fmt.Fprintln(out, strings.Join(parsed.GeneratedCodeLines, "\n"))
	default:
		fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("Source code (%d lines)", len(parsed.SourceCodeLines))))
		for _, l := range parsed.SourceCodeLines {
			fmt.Fprintln(out, sourceStyle.Render(l))
		}
		fmt.Fprintln(out)
		fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("Generated code (%d lines)", len(parsed.GeneratedCodeLines))))
		for _, l := range parsed.GeneratedCodeLines {
			fmt.Fprintln(out, generatedStyle.Render(l))
		}
	}
	return nil
}
