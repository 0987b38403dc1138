package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"OpenProver/sdk/go/openprover"
)

type jobsFlags struct {
	server string
	token  string
}

func newJobsCmd() *cobra.Command {
	flags := &jobsFlags{}
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage proof jobs on a running proverd",
	}
	cmd.PersistentFlags().StringVar(&flags.server, "server", envOr("OPENPROVER_URL", "http://127.0.0.1:8080"), "proverd API base URL")
	cmd.PersistentFlags().StringVar(&flags.token, "token", os.Getenv("OPENPROVER_TOKEN"), "API bearer token")

	cmd.AddCommand(
		newJobsSubmitCmd(flags),
		newJobsGetCmd(flags),
		newJobsListCmd(flags),
		newJobsStatsCmd(flags),
		newJobsWaitCmd(flags),
	)
	return cmd
}

func newJobsSubmitCmd(flags *jobsFlags) *cobra.Command {
	var (
		id   string
		kind string
		wait bool
	)
	cmd := &cobra.Command{
		Use:   "submit <circuit-id> <hex-input>...",
		Short: "Submit a proof job",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := decodeInputs(args[1:])
			if err != nil {
				return err
			}
			client, err := flags.client()
			if err != nil {
				return err
			}
			job, err := client.SubmitJob(cmd.Context(), openprover.JobRequest{
				ID:        id,
				Kind:      kind,
				CircuitID: args[0],
				Inputs:    inputs,
			})
			if err != nil {
				return err
			}
			if wait {
				if job, err = client.WaitForJob(cmd.Context(), job.ID, 2*time.Second); err != nil {
					return err
				}
			}
			return writeJSON(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "idempotency key used as the job ID")
	cmd.Flags().StringVar(&kind, "kind", "", "job kind (single or batch); inferred from the input count when empty")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the job is done")
	return cmd
}

func newJobsGetCmd(flags *jobsFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			job, err := client.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), job)
		},
	}
}

func bindListFilter(cmd *cobra.Command, filter *openprover.ListFilter) {
	cmd.Flags().StringSliceVar(&filter.Statuses, "status", nil, "filter by status")
	cmd.Flags().StringSliceVar(&filter.Kinds, "kind", nil, "filter by kind")
	cmd.Flags().StringVar(&filter.CircuitID, "circuit", "", "filter by circuit ID")
}

func newJobsListCmd(flags *jobsFlags) *cobra.Command {
	var filter openprover.ListFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			jobs, err := client.ListJobs(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), jobs)
		},
	}
	bindListFilter(cmd, &filter)
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "maximum number of jobs")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "number of jobs to skip")
	cmd.Flags().BoolVar(&filter.Ascending, "asc", false, "oldest first")
	return cmd
}

func newJobsStatsCmd(flags *jobsFlags) *cobra.Command {
	var filter openprover.ListFilter
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show job counts by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			stats, err := client.Stats(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), stats)
		},
	}
	bindListFilter(cmd, &filter)
	return cmd
}

func newJobsWaitCmd(flags *jobsFlags) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "wait <job-id>",
		Short: "Poll a job until it is done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			job, err := client.WaitForJob(cmd.Context(), args[0], interval)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval")
	return cmd
}

func (f *jobsFlags) client() (*openprover.Client, error) {
	client, err := openprover.NewClient(f.server, nil)
	if err != nil {
		return nil, err
	}
	client.SetAccessToken(strings.TrimSpace(f.token))
	return client, nil
}

func decodeInputs(raw []string) ([]hexutil.Bytes, error) {
	inputs := make([]hexutil.Bytes, 0, len(raw))
	for i, item := range raw {
		input, err := hexutil.Decode(item)
		if err != nil {
			return nil, fmt.Errorf("decode input %d: %w", i, err)
		}
		inputs = append(inputs, input)
	}
	return inputs, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
