package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newSessionsCmd() *cobra.Command {
	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage stored sessions",
	}

	sessionsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently active first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rt, err := buildRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			sessions, err := rt.idx.List(ctx)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROVIDER\tSTATUS\tLAST ACTIVITY")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					s.ID, s.Provider, s.Status, s.LastActivity.Local().Format(time.RFC3339))
			}
			return w.Flush()
		},
	})

	sessionsCmd.AddCommand(&cobra.Command{
		Use:   "close <session-id>",
		Short: "Close a session (terminal; it accepts no further turns)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rt, err := buildRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.manager.Close(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("closed session %s\n", args[0])
			return nil
		},
	})

	return sessionsCmd
}
