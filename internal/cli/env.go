package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daryltucker/forest-bench/internal/envinfo"
)

var envOutput string

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Collect and print host environment information",
	Long: `Probes platform, CPU, memory, GPU (nvidia-smi and PCI), Neuron devices,
EC2 instance metadata, Python package versions and selected environment
variables. Every probe fails independently.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := envinfo.Options{
			IMDSEndpoint: cfg.Host.IMDSEndpoint,
			SkipIMDS:     cfg.Host.SkipIMDS,
		}

		if envOutput != "" {
			if _, err := envinfo.Save(cmd.Context(), envOutput, nil, opts); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Environment info saved to: %s\n", envOutput)
			return nil
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(envinfo.Collect(cmd.Context(), opts))
	},
}

func init() {
	rootCmd.AddCommand(envCmd)
	envCmd.Flags().StringVarP(&envOutput, "output", "o", "", "Write the snapshot to this file instead of stdout")
}
