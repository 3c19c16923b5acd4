package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ckoons/Tekton-sub017/shell"
)

const timePrecision = time.Millisecond

func newTeamChatCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "team-chat [message]",
		Short: "Broadcast a message to every greek-chorus CI",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			message, err := shell.ReadMessage(args, env.Stdin)
			if err != nil {
				return err
			}
			results := env.Shell.TeamChat(cmd.Context(), message)
			if len(results) == 0 {
				fmt.Fprintln(env.Stdout, "no greek-chorus CIs registered")
				return nil
			}
			for _, r := range results {
				switch r.Status {
				case shell.ChatOK:
					fmt.Fprintf(env.Stdout, "%s (%s): %s\n", r.CIName, r.Elapsed.Round(timePrecision), r.Response)
				case shell.ChatTimeout:
					fmt.Fprintf(env.Stdout, "%s: no response within %s\n", r.CIName, env.Cfg.Shell.BroadcastTimeout)
				default:
					fmt.Fprintf(env.Stdout, "%s: failed: %s\n", r.CIName, r.Error)
				}
			}
			return nil
		},
	}
}

func newSunriseCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "sunrise <ci>",
		Short: "Wake a sunset CI with its restored context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := env.Supervisor.Sunrise(args[0])
			if err != nil {
				return err
			}
			if prompt == "" {
				fmt.Fprintf(env.Stdout, "%s is already awake\n", args[0])
				return nil
			}
			fmt.Fprintln(env.Stdout, prompt)
			return nil
		},
	}
}
