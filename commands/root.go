// Package commands implements the aish command surface: message sends,
// forwarding management, terminal messaging, team chat, and the
// sunset/sunrise operator commands.
package commands

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ckoons/Tekton-sub017/cireg"
	"github.com/ckoons/Tekton-sub017/config"
	"github.com/ckoons/Tekton-sub017/memory"
	"github.com/ckoons/Tekton-sub017/shell"
	"github.com/ckoons/Tekton-sub017/terma"
)

// Env carries the wired subsystems every aish command runs against.
type Env struct {
	Cfg        *config.Config
	Logger     *slog.Logger
	Shell      *shell.Shell
	CIs        *cireg.Registry
	Terminals  *terma.Manager
	Supervisor *memory.Supervisor

	// TerminalID is the caller's identity for routing and inbox access.
	TerminalID string
	// RegistryURL is the daemon's HTTP base, for event streaming.
	RegistryURL string
	Stdin       io.Reader
	Stdout      io.Writer
}

// DocRoot is where help paths point. Help never generates dynamic content;
// it returns paths into the documentation tree.
func (e *Env) DocRoot() string {
	return filepath.Join(e.Cfg.Root, "docs")
}

// NewRootCommand builds the aish command tree. An unrecognized first token
// is treated as a CI name and the rest as the message.
func NewRootCommand(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aish <ci|command> [message]",
		Short: "Unified message shell for the Tekton platform",
		Long: `aish routes messages to Companion Intelligences, terminals, and
components, honoring per-CI forwarding rules and per-terminal mailboxes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			// `aish <component> help` points at that component's docs.
			if len(args) >= 2 && args[1] == "help" {
				fmt.Fprintln(env.Stdout, filepath.Join(env.DocRoot(), "components", args[0]))
				return nil
			}
			return runSend(cmd, env, args[0], args[1:])
		},
	}

	cmd.AddCommand(
		newForwardCommand(env),
		newUnforwardCommand(env),
		newTermaCommand(env),
		newPromptCommand(env),
		newTeamChatCommand(env),
		newSunriseCommand(env),
		newStatusCommand(env),
	)
	cmd.SetHelpCommand(newHelpCommand(env))
	return cmd
}

// newHelpCommand returns documentation paths, never generated content.
func newHelpCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "help [command]",
		Short: "Show documentation paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				fmt.Fprintln(env.Stdout, filepath.Join(env.DocRoot(), "aish", args[0]))
				return nil
			}
			fmt.Fprintln(env.Stdout, filepath.Join(env.DocRoot(), "aish"))
			return nil
		},
	}
}

// runSend delivers one message to a CI, reading stdin when no message
// argument was given.
func runSend(cmd *cobra.Command, env *Env, ciName string, rest []string) error {
	message, err := shell.ReadMessage(rest, env.Stdin)
	if err != nil {
		return err
	}
	body, err := env.Shell.Send(cmd.Context(), ciName, message)
	if err != nil {
		return err
	}
	if len(body) > 0 {
		fmt.Fprintln(env.Stdout, string(body))
	}
	return nil
}

func newPromptCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "prompt <ci> [message]",
		Short: "Send a high-priority message to a CI's prompt inbox",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message, err := shell.ReadMessage(args[1:], env.Stdin)
			if err != nil {
				return err
			}
			body, err := env.Shell.Prompt(cmd.Context(), args[0], message)
			if err != nil {
				return err
			}
			if len(body) > 0 {
				fmt.Fprintln(env.Stdout, string(body))
			}
			return nil
		},
	}
}
