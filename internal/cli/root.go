// Package cli implements the chatsync command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Exit codes.
const (
	ExitCodeFailure = 1
	ExitCodeUsage   = 2
)

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code    int
	Err     error
	Printed bool
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// Exitf builds an ExitError with a formatted message.
func Exitf(code int, format string, args ...any) error {
	return &ExitError{Code: code, Err: fmt.Errorf(format, args...)}
}

func usageError(cmd *cobra.Command, msg string) error {
	return &ExitError{Code: ExitCodeUsage, Err: fmt.Errorf("%s (see %s --help)", msg, cmd.CommandPath())}
}

// Execute runs the root command.
func Execute(version string) error {
	return newRootCmd(version).Execute()
}

func newRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chatsync",
		Short: "Owner and guest chat over a shared backend",
		Long: "chatsync is a small chat client. One owner and any number of guests share a room;\n" +
			"messages, replies, presence and the owner's theme are kept in sync through the backend.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUI(cmd, args)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "config file (default is $HOME/.config/chatsync/config.yaml)")
	flags.String("log-level", "", "override logging level (debug, info, warn, error)")
	flags.String("log-format", "", "override logging format (json, console)")
	flags.String("db", "", "database path (overrides backend.path)")
	flags.String("room", "", "room to use instead of the saved context")
	flags.Bool("json", false, "JSON output")

	cmd.AddCommand(
		newUICmd(),
		newSendCmd(),
		newHistoryCmd(),
		newTailCmd(),
		newWhoCmd(),
		newThemeCmd(),
		newRoomCmd(),
		newLoginCmd(),
	)
	return cmd
}

func jsonFlag(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

