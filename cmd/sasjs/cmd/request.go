package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var requestCmd = &cobra.Command{
	Use:   "request <job-path>",
	Short: "Run a job and print its output",
	Long: `Runs the job at <job-path>, relative to app_loc unless absolute, and
prints the output to stdout.

Input tables are read from a JSON file mapping table names to rows:

  sasjs request services/common/sendArr --data tables.json

With --debug the job log is split into source and generated code and the
request is recorded in the history database.`,
	Args: cobra.ExactArgs(1),
	RunE: runRequest,
}

func init() {
	requestCmd.Flags().String("data", "", "JSON file of input tables")
	requestCmd.Flags().StringArray("param", nil, "extra request parameter as key=value (repeatable)")
	requestCmd.Flags().Bool("show-log", false, "print the job log to stderr (debug mode)")
	rootCmd.AddCommand(requestCmd)
}

func runRequest(cmd *cobra.Command, args []string) error {
	dataFile, _ := cmd.Flags().GetString("data")
	rawParams, _ := cmd.Flags().GetStringArray("param")
	showLog, _ := cmd.Flags().GetBool("show-log")

	data, err := readTables(dataFile)
	if err != nil {
		return err
	}
	params, err := parseParams(rawParams)
	if err != nil {
		return err
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	res, err := client.Request(cmd.Context(), args[0], data, params)
	if err != nil {
		return fmt.Errorf("request %s: %w", args[0], err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, string(res.Output))
	if showLog && res.Log != "" {
		fmt.Fprintln(cmd.ErrOrStderr(), headerStyle.Render("Log"))
		fmt.Fprintln(cmd.ErrOrStderr(), res.Log)
	}
	return nil
}

// readTables loads the --data file. An empty path means no tables.
func readTables(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read data file: %w", err)
	}
	var tables map[string]any
	if err := json.Unmarshal(raw, &tables); err != nil {
		return nil, fmt.Errorf("parse data file %s: %w", path, err)
	}
	return tables, nil
}

func parseParams(raw []string) (url.Values, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	params := url.Values{}
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid --param %q (want key=value)", kv)
		}
		params.Add(strings.TrimSpace(key), value)
	}
	return params, nil
}
