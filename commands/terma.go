package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ckoons/Tekton-sub017/shell"
	"github.com/ckoons/Tekton-sub017/tekerr"
	"github.com/ckoons/Tekton-sub017/terma"
)

func newTermaCommand(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "terma <subcommand|terminal|@purpose> [message]",
		Short: "Inter-terminal messaging and mailboxes",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			target := args[0]
			message, err := shell.ReadMessage(args[1:], env.Stdin)
			if err != nil {
				return err
			}

			if purpose, ok := strings.CutPrefix(target, "@"); ok {
				n := env.Terminals.DeliverPurpose(purpose, env.TerminalID, message)
				fmt.Fprintf(env.Stdout, "delivered to %d terminal(s)\n", n)
				return nil
			}
			return env.Terminals.Deliver(target, terma.BoxNew,
				terma.NewMessage(env.TerminalID, "direct", message))
		},
	}

	cmd.AddCommand(
		newTermaListCommand(env),
		newTermaWhoamiCommand(env),
		newTermaInboxCommand(env),
		newTermaBroadcastCommand(env),
	)
	return cmd
}

func newTermaListCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List attached terminals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions := env.Terminals.List()
			if len(sessions) == 0 {
				fmt.Fprintln(env.Stdout, "no terminals attached")
				return nil
			}
			for _, s := range sessions {
				purposes := strings.Join(s.Purposes, ",")
				if purposes == "" {
					purposes = "-"
				}
				fmt.Fprintf(env.Stdout, "%s\t%s\t%s\n", s.TerminalID, s.Name, purposes)
			}
			return nil
		},
	}
}

func newTermaWhoamiCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the calling terminal's identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := env.Terminals.Get(env.TerminalID)
			if err != nil {
				return err
			}
			fmt.Fprintf(env.Stdout, "%s (%s) purposes=%s\n",
				s.TerminalID, s.Name, strings.Join(s.Purposes, ","))
			return nil
		},
	}
}

func newTermaInboxCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "inbox [prompt|new|keep] [pop|push|read [remove]] [message]",
		Short: "Operate the calling terminal's mailboxes",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := env.Terminals.Get(env.TerminalID)
			if err != nil {
				return err
			}

			box := terma.BoxNew
			if len(args) > 0 {
				box = terma.Box(args[0])
				args = args[1:]
			}
			op := "read"
			if len(args) > 0 {
				op = args[0]
				args = args[1:]
			}

			switch op {
			case "pop":
				msg, ok, err := s.Pop(box)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(env.Stdout, "empty")
					return nil
				}
				printMessage(env, msg)
				return nil
			case "push":
				message, err := shell.ReadMessage(args, env.Stdin)
				if err != nil {
					return err
				}
				evicted := s.Push(terma.NewMessage(env.TerminalID, "push", message))
				if evicted && env.Cfg.Shell.OverflowExits {
					return tekerr.New(tekerr.CodeMailboxFullEvicted, "keep inbox full, oldest evicted")
				}
				if evicted {
					fmt.Fprintln(env.Stdout, "warning: keep inbox full, oldest evicted")
				}
				return nil
			case "read":
				remove := len(args) > 0 && args[0] == "remove"
				msgs, err := s.Read(box, remove)
				if err != nil {
					return err
				}
				for _, msg := range msgs {
					printMessage(env, msg)
				}
				return nil
			}
			return tekerr.New(tekerr.CodeInvalid, "unknown inbox operation %q", op)
		},
	}
}

func newTermaBroadcastCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "broadcast [message]",
		Short: "Send to every other terminal's new inbox",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			message, err := shell.ReadMessage(args, env.Stdin)
			if err != nil {
				return err
			}
			n := env.Terminals.Broadcast(env.TerminalID, message, false)
			fmt.Fprintf(env.Stdout, "broadcast to %d terminal(s)\n", n)
			return nil
		},
	}
}

func printMessage(env *Env, msg terma.Message) {
	fmt.Fprintf(env.Stdout, "[%s] %s (%s): %s\n",
		msg.Timestamp.Format("15:04:05"), msg.From, msg.Routing, msg.Body)
}
