package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Dicklesworthstone/sasjs"
	"github.com/Dicklesworthstone/sasjs/internal/poll"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Start and follow asynchronous SASVIYA jobs",
}

var jobStartCmd = &cobra.Command{
	Use:   "start <job-path>",
	Short: "Submit a job and print its URI",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataFile, _ := cmd.Flags().GetString("data")
		wait, _ := cmd.Flags().GetBool("wait")

		data, err := readTables(dataFile)
		if err != nil {
			return err
		}
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		job, err := client.StartJob(cmd.Context(), args[0], data)
		if err != nil {
			return fmt.Errorf("start %s: %w", args[0], err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), job.URI())
		if !wait {
			return nil
		}
		return waitForJob(cmd, client, job)
	},
}

var jobWaitCmd = &cobra.Command{
	Use:   "wait <job-uri>",
	Short: "Poll a job until it finishes",
	Long: `Polls the job with an escalating interval: every 0.3s at first, then
every 3s, 30s and finally once a minute.

With --stream-log the partial log is appended to <log-folder>/<job-id>.log
while the job runs. Follow it from another terminal with "sasjs log follow".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		job, err := client.GetJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return waitForJob(cmd, client, job)
	},
}

var jobLogCmd = &cobra.Command{
	Use:   "log <job-uri>",
	Short: "Print the full log of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		job, err := client.GetJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		parsed, err := client.JobLog(cmd.Context(), job)
		if err != nil {
			return err
		}
		return printParsed(cmd, parsed)
	},
}

func init() {
	jobStartCmd.Flags().String("data", "", "JSON file of input tables")
	jobStartCmd.Flags().Bool("wait", false, "poll the job until it finishes")
	addWaitFlags(jobStartCmd)
	addWaitFlags(jobWaitCmd)
	addCodeFlags(jobLogCmd)

	jobCmd.AddCommand(jobStartCmd)
	jobCmd.AddCommand(jobWaitCmd)
	jobCmd.AddCommand(jobLogCmd)
	rootCmd.AddCommand(jobCmd)
}

func addWaitFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("stream-log", false, "write the partial log while the job runs")
	cmd.Flags().String("log-folder", ".", "folder for streamed logs")
	cmd.Flags().Bool("quiet", false, "do not show the countdown between checks")
}

// waitStrategy is the default escalation with log streaming applied to
// every stage.
func waitStrategy(streamLog bool, folder string) sasjs.PollStrategy {
	s := sasjs.DefaultPollStrategy()
	if !streamLog {
		return s
	}
	s.StreamLog, s.LogFolderPath = true, folder
	for i := range s.SubsequentStrategies {
		s.SubsequentStrategies[i].StreamLog = true
		s.SubsequentStrategies[i].LogFolderPath = folder
	}
	return s
}

func waitForJob(cmd *cobra.Command, client *sasjs.Client, job *sasjs.Job) error {
	streamLog, _ := cmd.Flags().GetBool("stream-log")
	folder, _ := cmd.Flags().GetString("log-folder")
	quiet, _ := cmd.Flags().GetBool("quiet")

	strategy := waitStrategy(streamLog, folder)
	var opts []sasjs.PollOption
	if !quiet {
		wait := poll.WaitOptions{
			Output:        cmd.ErrOrStderr(),
			ShowCountdown: true,
		}
		if term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Fprintln(cmd.ErrOrStderr(), mutedStyle.Render("Press Enter to check now."))
			wait.Skip = skipOnEnter(cmd.Context(), stdin)
		}
		opts = append(opts, poll.WithWaitOptions(wait))
	}

	state, outcome, err := client.PollJobState(cmd.Context(), job, &strategy, opts...)
	if err != nil {
		return err
	}
	printState(cmd.OutOrStdout(), job, state, outcome)
	if outcome == sasjs.PollExhausted {
		return fmt.Errorf("job %s still %s after the last poll", job.ID, state)
	}
	return nil
}

func printState(w io.Writer, job *sasjs.Job, state string, outcome sasjs.PollOutcome) {
	name := job.Name
	if name == "" {
		name = job.ID
	}
	fmt.Fprintf(w, "%s %s (%s)\n", headerStyle.Render(name), stateStyle(state).Render(state), outcome)
}

// skipOnEnter yields one value per line read from r until ctx ends. The
// channel is never closed, so EOF stops skipping instead of skipping every
// later interval.
func skipOnEnter(ctx context.Context, r *bufio.Reader) <-chan struct{} {
	skip := make(chan struct{})
	go func() {
		for {
			if _, err := r.ReadString('\n'); err != nil {
				return
			}
			select {
			case skip <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return skip
}
