package main

import (
	"fmt"
	"os/user"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/phased/internal/approval"
	"github.com/fyrsmithlabs/phased/internal/sanitize"
)

func newApproveCmd() *cobra.Command {
	return newResolveCmd("approve", approval.StatusApproved,
		"Approve a pending phase approval",
		`Approve a pending approval. The namespace advances to the next phase on the
following tick.

Examples:
  phased approve 0b6f1c1e-8a0c-4a53-9d7f-3f0f7f0b5a11 --note "looks good"`)
}

func newRejectCmd() *cobra.Command {
	return newResolveCmd("reject", approval.StatusRejected,
		"Reject a pending phase approval",
		`Reject a pending approval. The note is delegated to the phase orchestrator
as remediation feedback and the phase is re-gated afterwards.

Examples:
  phased reject 0b6f1c1e-8a0c-4a53-9d7f-3f0f7f0b5a11 --note "missing rollback plan"`)
}

func newResolveCmd(use string, status approval.Status, short, long string) *cobra.Command {
	var note, resolver string

	cmd := &cobra.Command{
		Use:   use + " <approval-id>",
		Short: short,
		Long:  long,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if err := sanitize.ValidateID(id); err != nil {
				return err
			}
			if resolver == "" {
				resolver = currentUser()
			}
			ctx := cmd.Context()

			a, err := newApp(ctx, needs{events: true, memory: true})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(ctx) }()

			rec, err := a.driver.ResolveApproval(ctx, id, status, resolver, note)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Approval %s for %s/%s is %s\n", rec.ID, rec.Namespace, rec.Phase, rec.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "note recorded with the decision")
	cmd.Flags().StringVar(&resolver, "by", "", "resolver name (default: current user)")
	if status == approval.StatusRejected {
		_ = cmd.MarkFlagRequired("note")
	}
	return cmd
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "operator"
}
