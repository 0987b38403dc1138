package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"OpenProver/internal/config"
	"OpenProver/internal/proofservice"
	"OpenProver/internal/prover"
	"OpenProver/internal/resolver"
	"OpenProver/pkg/logger"
)

type globalFlags struct {
	configPath string
	serviceURL string
	timeout    time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:          "proverctl",
		Short:        "Generate zero-knowledge proofs through a remote proof service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", os.Getenv("OPENPROVER_CONFIG"), "path to the YAML config file")
	root.PersistentFlags().StringVar(&flags.serviceURL, "service-url", "", "proof service base URL (overrides "+config.EnvServiceURL+")")
	root.PersistentFlags().DurationVar(&flags.timeout, "timeout", 0, "overall proof timeout (overrides config)")

	root.AddCommand(newProveCmd(flags), newBatchProveCmd(flags), newResolveCmd(), newJobsCmd())
	return root
}

func newProveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "prove <circuit-id> <hex-input>",
		Short: "Prove a single input and print the stored proof",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := hexutil.Decode(args[1])
			if err != nil {
				return fmt.Errorf("decode input: %w", err)
			}
			p, err := buildProver(cmd.Context(), flags)
			if err != nil {
				return err
			}
			out, err := p.Prove(cmd.Context(), args[0], input)
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), out)
		},
	}
}

func newBatchProveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "batch-prove <circuit-id> <hex-input>...",
		Short: "Prove a batch of inputs and print the proof IDs in input order",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			decoded, err := decodeInputs(args[1:])
			if err != nil {
				return err
			}
			inputs := make([][]byte, len(decoded))
			for i, input := range decoded {
				inputs[i] = input
			}
			p, err := buildProver(cmd.Context(), flags)
			if err != nil {
				return err
			}
			out, err := p.BatchProve(cmd.Context(), args[0], inputs)
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), out)
		},
	}
}

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <service-url>",
		Short: "Resolve the proof service host and print the pinned addresses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint, err := resolver.Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"base_url": endpoint.BaseURL.String(),
				"host":     endpoint.Host,
				"port":     endpoint.Port,
				"addrs":    endpoint.Addrs,
			})
		},
	}
}

func buildProver(ctx context.Context, flags *globalFlags) (*prover.Prover, error) {
	if flags.serviceURL != "" {
		if err := os.Setenv(config.EnvServiceURL, flags.serviceURL); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return nil, err
	}
	pcfg := prover.Config{
		ServiceURL:         cfg.Prover.ServiceURL,
		SingleProofTimeout: cfg.Prover.SingleProofTimeout,
		BatchProofTimeout:  cfg.Prover.BatchProofTimeout,
	}
	if flags.timeout > 0 {
		pcfg.SingleProofTimeout = flags.timeout
		pcfg.BatchProofTimeout = flags.timeout
	}
	return prover.New(ctx, pcfg,
		prover.WithHTTPTimeout(cfg.Prover.HTTPTimeout),
	)
}

type outputView struct {
	Proof    hexutil.Bytes          `json:"proof,omitempty"`
	Output   hexutil.Bytes          `json:"output,omitempty"`
	ProofIDs []proofservice.ProofID `json:"proof_ids,omitempty"`
}

func printOutput(w io.Writer, out prover.Output) error {
	var view outputView
	switch o := out.(type) {
	case prover.Local:
		view.Proof, view.Output = o.Proof, o.Output
	case prover.Remote:
		view.ProofIDs = o.ProofIDs
	}
	return writeJSON(w, view)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
