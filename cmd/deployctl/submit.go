package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	httpserver "github.com/computor-org/computor-fullstack-sub002/internal/http"
)

func newReconcileCmd(o *options) *cobra.Command {
	var force, watch bool
	cmd := &cobra.Command{
		Use:   "reconcile <node-path>",
		Short: "Reconcile a hierarchy node and its ancestors with the remote platform",
		Long: `Submit a reconciliation of an organization, course family or course.

Examples:
  # Reconcile a course and follow the run
  deployctl reconcile acme_university.cs101_family.cs101_2025 --watch

  # Re-read remote state even when a binding is cached
  deployctl reconcile acme_university --force --admin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.submit(cmd, http.MethodPost, "/api/v1/reconciliations",
				httpserver.ReconcileRequest{NodePath: args[0], Force: force}, watch)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "resync from remote state")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow the run until it finishes")
	return cmd
}

func newRenameCmd(o *options) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "rename <node-path> <title>",
		Short: "Change the title of a hierarchy node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.submit(cmd, http.MethodPut, "/api/v1/nodes/"+args[0]+"/title",
				httpserver.RenameRequest{Title: args[1]}, watch)
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow the run until it finishes")
	return cmd
}

func newMoveCmd(o *options) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "move <node-path> <new-parent-path>",
		Short: "Move a course family or course under a new parent",
		Long: `Move a node and everything beneath it. The local paths change in one
transaction; the remote group follows on a best-effort basis.

Examples:
  deployctl move acme_university.cs101_family.cs101_2025 acme_university.cs102_family --admin --watch`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.submit(cmd, http.MethodPost, "/api/v1/nodes/"+args[0]+"/move",
				httpserver.MoveRequest{NewParentPath: args[1]}, watch)
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow the run until it finishes")
	return cmd
}

func newReleaseCmd(o *options) *cobra.Command {
	var message string
	var watch bool
	cmd := &cobra.Command{
		Use:   "release <course-id>",
		Short: "Release the pending contents of a course",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.submit(cmd, http.MethodPost, "/api/v1/courses/"+args[0]+"/releases",
				httpserver.ReleaseRequest{CommitMessage: message}, watch)
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow the run until it finishes")
	return cmd
}

// submit posts a submission and prints the run id. With watch set it follows
// the new run, or the already active one on conflict.
func (o *options) submit(cmd *cobra.Command, method, path string, body any, watch bool) error {
	var resp httpserver.SubmitResponse
	err := o.call(cmd.Context(), method, path, body, &resp)
	if err != nil {
		runID, ok := conflictRunID(err)
		if !watch || !ok {
			return err
		}
		resp.RunID = runID
		fmt.Fprintf(cmd.ErrOrStderr(), "run %s already in flight, following it\n", resp.RunID)
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), resp.RunID)
	}

	if !watch {
		return nil
	}
	return o.watch(cmd, resp.RunID)
}
