package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tOgg1/chatsync/internal/tui"
)

func newUICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ui",
		Short: "Open the chat UI",
		Long:  "Open the terminal chat UI for the current room. This is the default command.",
		Args:  cobra.NoArgs,
		RunE:  runUI,
	}
}

func runUI(cmd *cobra.Command, _ []string) error {
	if !hasTTY() {
		return Exitf(ExitCodeFailure, "the chat UI needs an interactive terminal; use send, history or tail instead")
	}

	rt, err := openRuntime(cmd, modeInteractive)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := rt.startSession(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Stop(); err != nil {
			rt.logger.Warn().Err(err).Msg("session stop failed")
		}
	}()

	rt.logger.Info().Str("role", string(sess.Self().Role)).Msg("ui started")
	return tui.Run(ctx, sess, tui.Config{
		ShowTimestamps: rt.cfg.TUI.ShowTimestamps,
		Compact:        rt.cfg.TUI.CompactMode,
	})
}
