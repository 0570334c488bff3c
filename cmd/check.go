package cmd

import (
	"context"
	"fmt"

	v1 "github.com/authzed/authzed-go/proto/authzed/api/v1"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
)

const (
	fullyConsistentFlag = "fully-consistent"
	concurrencyFlag     = "concurrency"
)

// NewCheckCommand returns the command that checks permissions. Several checks can be
// given at once as consecutive triples; they run concurrently over one connection.
func NewCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <resource-type>:<id> <permission> <subject-type>:<id>[#<relation>] [...]",
		Short: "Check whether a subject has a permission on a resource",
		Long: `Check whether a subject has a permission on a resource.

Prints one line per check, "true" or "false", in argument order.`,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) == 0 || len(args)%3 != 0 {
				return fmt.Errorf("expected one or more <resource> <permission> <subject> triples, got %d args", len(args))
			}
			return nil
		},
		RunE: runCheck,
	}

	flags := cmd.Flags()
	flags.Bool(fullyConsistentFlag, false, "evaluate at the newest revision instead of a cached one")
	flags.Int(concurrencyFlag, 8, "the maximum number of checks in flight")

	return cmd
}

func runCheck(cmd *cobra.Command, args []string) error {
	fullyConsistent, err := cmd.Flags().GetBool(fullyConsistentFlag)
	if err != nil {
		return err
	}
	concurrency, err := cmd.Flags().GetInt(concurrencyFlag)
	if err != nil {
		return err
	}
	if concurrency < 1 {
		return fmt.Errorf("--%s must be at least 1", concurrencyFlag)
	}

	requests := make([]*v1.CheckPermissionRequest, 0, len(args)/3)
	for i := 0; i < len(args); i += 3 {
		req, err := checkRequest(args[i], args[i+1], args[i+2], fullyConsistent)
		if err != nil {
			return err
		}
		requests = append(requests, req)
	}

	ctx := cmd.Context()
	m, cleanup, err := newManager(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	permissions, err := m.PermissionsClient(ctx)
	if err != nil {
		return err
	}

	results := make([]bool, len(requests))
	p := pool.New().WithContext(ctx).WithCancelOnError().WithMaxGoroutines(concurrency)
	for i, req := range requests {
		p.Go(func(ctx context.Context) error {
			resp, err := permissions.CheckPermission(ctx, req)
			if err != nil {
				return fmt.Errorf("checking %s#%s@%s: %w",
					formatObject(req.GetResource()), req.GetPermission(), formatSubject(req.GetSubject()), err)
			}
			results[i] = resp.GetPermissionship() == v1.CheckPermissionResponse_PERMISSIONSHIP_HAS_PERMISSION
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return err
	}

	for _, allowed := range results {
		fmt.Fprintln(cmd.OutOrStdout(), allowed)
	}
	return nil
}

func checkRequest(resource, permission, subject string, fullyConsistent bool) (*v1.CheckPermissionRequest, error) {
	resourceRef, err := parseObject(resource)
	if err != nil {
		return nil, err
	}
	subjectRef, err := parseSubject(subject)
	if err != nil {
		return nil, err
	}
	if permission == "" {
		return nil, fmt.Errorf("empty permission for %s", resource)
	}

	req := &v1.CheckPermissionRequest{
		Resource:   resourceRef,
		Permission: permission,
		Subject:    subjectRef,
	}
	if fullyConsistent {
		req.Consistency = &v1.Consistency{
			Requirement: &v1.Consistency_FullyConsistent{FullyConsistent: true},
		}
	}
	return req, nil
}
