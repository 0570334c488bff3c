package cmd

import (
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	v1 "github.com/authzed/authzed-go/proto/authzed/api/v1"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const objectTypesFlag = "object-types"

// NewWatchCommand returns the command that streams relationship updates until the
// stream ends or the process is interrupted.
func NewWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream relationship updates",
		Long: `Stream relationship updates.

Prints one line per update: the operation followed by resource#relation@subject.`,
		Args: cobra.NoArgs,
		RunE: runWatch,
	}

	cmd.Flags().StringSlice(objectTypesFlag, nil, "only stream updates for these resource types")

	return cmd
}

func runWatch(cmd *cobra.Command, _ []string) error {
	objectTypes, err := cmd.Flags().GetStringSlice(objectTypesFlag)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, cleanup, err := newManager(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	watch, err := m.WatchClient(ctx)
	if err != nil {
		return err
	}

	stream, err := watch.Watch(ctx, &v1.WatchRequest{OptionalObjectTypes: objectTypes})
	if err != nil {
		return fmt.Errorf("starting watch: %w", err)
	}

	out := cmd.OutOrStdout()
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil && status.Code(err) == codes.Canceled {
				return nil
			}
			return fmt.Errorf("watching: %w", err)
		}

		for _, update := range resp.GetUpdates() {
			fmt.Fprintf(out, "%s %s\n", operationName(update.GetOperation()), formatRelationship(update.GetRelationship()))
		}
	}
}

func operationName(op v1.RelationshipUpdate_Operation) string {
	return strings.TrimPrefix(op.String(), "OPERATION_")
}
