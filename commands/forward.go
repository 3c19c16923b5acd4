package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newForwardCommand(env *Env) *cobra.Command {
	var jsonMode bool

	cmd := &cobra.Command{
		Use:   "forward <ci> <terminal>",
		Short: "Forward a CI's messages to a terminal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := env.CIs.SetForward(args[0], args[1], jsonMode); err != nil {
				return err
			}
			fmt.Fprintf(env.Stdout, "forwarding %s -> %s (json=%v)\n", args[0], args[1], jsonMode)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonMode, "json", false, "wrap forwarded messages in the JSON envelope")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List forwarding rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rules := env.CIs.Forwards()
			if len(rules) == 0 {
				fmt.Fprintln(env.Stdout, "no forwards")
				return nil
			}
			for _, r := range rules {
				fmt.Fprintf(env.Stdout, "%s -> %s (json=%v, since %s)\n",
					r.CIName, r.TerminalID, r.JSON, r.CreatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	})
	return cmd
}

func newUnforwardCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "unforward <ci>",
		Short: "Remove a CI's forwarding rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := env.CIs.Unforward(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(env.Stdout, "unforwarded %s\n", args[0])
			return nil
		},
	}
}
