package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"sandboxsv/enforce"
	"sandboxsv/supervisor"
)

// enforceCmd is the hidden re-exec target: supervisor.Supervise launches
// sandboxsv __enforce__ as the child, carrying the Policy across the
// fork/exec boundary in SANDBOXSV_POLICY_JSON. This command installs the
// policy's restrictions and execs the real target — it never returns on
// success.
var enforceCmd = &cobra.Command{
	Use:    supervisor.EnforceSubcommandArg,
	Hidden: true,
	RunE:   runEnforce,
}

func init() {
	rootCmd.AddCommand(enforceCmd)
}

func runEnforce(cmd *cobra.Command, args []string) error {
	encoded := os.Getenv(supervisor.EnforceEnvVar)
	if encoded == "" {
		return fmt.Errorf("%s missing from environment", supervisor.EnforceEnvVar)
	}

	p, err := supervisor.DecodePolicy(encoded)
	if err != nil {
		return err
	}

	// enforce.Apply only returns on failure; on success the process image
	// has already been replaced by the target command.
	return enforce.Apply(p)
}
