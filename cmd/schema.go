package cmd

import (
	"fmt"
	"io"
	"os"

	v1 "github.com/authzed/authzed-go/proto/authzed/api/v1"
	"github.com/spf13/cobra"
)

// NewSchemaCommand returns the schema command group.
func NewSchemaCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Read or write the authorization schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "read",
		Short: "Print the current schema",
		Args:  cobra.NoArgs,
		RunE:  runSchemaRead,
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "write <file>",
		Short: `Replace the schema with the contents of a file ("-" reads stdin)`,
		Args:  cobra.ExactArgs(1),
		RunE:  runSchemaWrite,
	})

	return cmd
}

func runSchemaRead(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	m, cleanup, err := newManager(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	schema, err := m.SchemaClient(ctx)
	if err != nil {
		return err
	}

	resp, err := schema.ReadSchema(ctx, &v1.ReadSchemaRequest{})
	if err != nil {
		return fmt.Errorf("reading schema: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), resp.GetSchemaText())
	return nil
}

func runSchemaWrite(cmd *cobra.Command, args []string) error {
	var (
		text []byte
		err  error
	)
	if args[0] == "-" {
		text, err = io.ReadAll(cmd.InOrStdin())
	} else {
		text, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("reading schema file: %w", err)
	}

	ctx := cmd.Context()
	m, cleanup, err := newManager(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	schema, err := m.SchemaClient(ctx)
	if err != nil {
		return err
	}

	resp, err := schema.WriteSchema(ctx, &v1.WriteSchemaRequest{Schema: string(text)})
	if err != nil {
		return fmt.Errorf("writing schema: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), resp.GetWrittenAt().GetToken())
	return nil
}
