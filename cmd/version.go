package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfga/authzconn/internal/build"
)

// NewVersionCommand returns the command to get the authzconn version
func NewVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Return the authzconn version",
		Long:  "Return the authzconn version.",
		RunE:  version,
		Args:  cobra.NoArgs,
	}

	return cmd
}

// print out the built version
func version(cmd *cobra.Command, _ []string) error {
	fmt.Fprintf(cmd.OutOrStdout(), "%s version %s date %s commit id %s\n", build.ProjectName, build.Version, build.Date, build.Commit)
	return nil
}
