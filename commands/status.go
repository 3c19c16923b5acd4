package commands

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/ckoons/Tekton-sub017/shell"
)

func newStatusCommand(env *Env) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show registered CIs, forwarding rules, and attached terminals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries := env.CIs.List()
			fmt.Fprintf(env.Stdout, "CIs (%d):\n", len(entries))
			for _, e := range entries {
				state := "awake"
				if e.SunsetState != "" {
					state = string(e.SunsetState)
				}
				fmt.Fprintf(env.Stdout, "  %s\t%s\t%s\t%s\n", e.Name, e.Kind, e.Component, state)
			}

			rules := env.CIs.Forwards()
			fmt.Fprintf(env.Stdout, "Forwards (%d):\n", len(rules))
			for _, r := range rules {
				fmt.Fprintf(env.Stdout, "  %s -> %s (json=%v)\n", r.CIName, r.TerminalID, r.JSON)
			}

			terms := env.Terminals.List()
			fmt.Fprintf(env.Stdout, "Terminals (%d):\n", len(terms))
			for _, t := range terms {
				fmt.Fprintf(env.Stdout, "  %s\t%s\n", t.TerminalID, t.Name)
			}
			if !watch {
				return nil
			}

			// Follow the daemon's lifecycle event stream until it closes or
			// the command is interrupted.
			fmt.Fprintln(env.Stdout, "Events:")
			return shell.ConsumeSSE(cmd.Context(), &http.Client{}, env.RegistryURL+"/events",
				func(event, data string) {
					fmt.Fprintf(env.Stdout, "  %s\t%s\n", event, data)
				})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "Follow registry lifecycle events")
	return cmd
}
