package main

import (
	"fmt"
	"net/http"
	"net/url"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/computor-org/computor-fullstack-sub002/internal/deployment"
	httpserver "github.com/computor-org/computor-fullstack-sub002/internal/http"
	"github.com/computor-org/computor-fullstack-sub002/internal/pathmap"
)

func newAssignCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "assign <content-id> <example-id> <version>",
		Short: "Assign an example version to a course content",
		Long: `Assign an example version to a submittable course content. The content is
marked pending release; nothing is pushed until the course is released.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var d deployment.Deployment
			body := httpserver.AssignRequest{ExampleID: args[1], Version: args[2]}
			if err := o.call(cmd.Context(), http.MethodPut, "/api/v1/contents/"+url.PathEscape(args[0])+"/assignment", body, &d); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deployment %s: %s (%s)\n", d.ID, d.AssignedRef(), d.Status)
			return nil
		},
	}
}

func newHistoryCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "history <deployment-id>",
		Short: "Show the deployment history of a content, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var hist httpserver.HistoryResponse
			if err := o.call(cmd.Context(), http.MethodGet, "/api/v1/deployments/"+url.PathEscape(args[0])+"/history", nil, &hist); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tACTION\tFROM\tTO\tRUN\tBY\tMESSAGE")
			for _, e := range hist.Entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					e.Action,
					dash(e.PreviousExampleVersionRef),
					dash(e.NewExampleVersionRef),
					dash(e.WorkflowRunID),
					dash(e.CreatedBy),
					e.Message,
				)
			}
			return tw.Flush()
		},
	}
}

func newPathmapCmd() *cobra.Command {
	var maxLen int
	cmd := &cobra.Command{
		Use:   "pathmap <internal-path>",
		Short: "Print the remote namespace path of an internal hierarchy path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := pathmap.New(maxLen)
			if err != nil {
				return err
			}
			remote, err := m.ToRemotePath(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), remote)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxLen, "max-segment-len", pathmap.DefaultMaxSegmentLen, "longest remote segment before truncation")
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
