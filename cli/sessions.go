package cli

import (
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
)

func newListCmd(g *globals) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List resumable upload sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, g.cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			sessions, err := store.ListActive(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				data, err := sonic.ConfigStd.MarshalIndent(sessions, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
				return nil
			}
			if len(sessions) == 0 {
				fmt.Fprintln(out, "no upload sessions")
				return nil
			}
			for _, s := range sessions {
				flags := ""
				if s.Encrypted {
					flags += " encrypted"
				}
				if s.Aborted {
					flags += " aborted"
				}
				fmt.Fprintf(out, "%s  %-12s %5d/%-5d parts  %s  %s%s\n",
					s.ID, s.State, s.CompletedParts, s.TotalParts,
					s.LastUpdatedAt.Format("2006-01-02 15:04:05"), s.ObjectKey, flags)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print sessions as JSON")
	return cmd
}

func newDiscardCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <session-id>",
		Short: "Abort a multipart upload and forget its session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEngine(ctx, g.cfg)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.uploads.Discard(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "discarded %s\n", args[0])
			return nil
		},
	}
}
