package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/session"
)

func newTailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tail",
		Aliases: []string{"watch", "follow"},
		Short:   "Follow the room",
		Long:    "Print the last few messages, then every new message until interrupted. Tailing counts as being online.",
		Args:    cobra.NoArgs,
		RunE:    runTail,
	}
	cmd.Flags().IntP("lines", "n", 10, "number of existing messages to print first")
	return cmd
}

func runTail(cmd *cobra.Command, _ []string) error {
	lines, _ := cmd.Flags().GetInt("lines")

	rt, err := openRuntime(cmd, modeOneShot)
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
	defer sess.Stop()

	printer := newTailPrinter(cmd, sess)
	initial := sess.Snapshot()
	skip := len(initial) - lines
	if skip < 0 {
		skip = 0
	}
	for i, msg := range initial {
		printer.seen[msg.ID] = true
		if i >= skip {
			if err := printer.print(msg); err != nil {
				return err
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sess.Changes():
			if err := printer.flush(sess.Snapshot()); err != nil {
				return err
			}
		}
	}
}

type tailPrinter struct {
	cmd    *cobra.Command
	selfID string
	json   bool
	seen   map[string]bool
}

func newTailPrinter(cmd *cobra.Command, sess *session.Session) *tailPrinter {
	return &tailPrinter{
		cmd:    cmd,
		selfID: sess.Self().ID,
		json:   jsonFlag(cmd),
		seen:   make(map[string]bool),
	}
}

// flush prints confirmed messages not printed before, in timeline order.
func (p *tailPrinter) flush(snapshot []models.Message) error {
	for _, msg := range snapshot {
		if msg.Pending || p.seen[msg.ID] {
			continue
		}
		p.seen[msg.ID] = true
		if err := p.print(msg); err != nil {
			return err
		}
	}
	return nil
}

func (p *tailPrinter) print(msg models.Message) error {
	out := p.cmd.OutOrStdout()
	if p.json {
		return writeJSON(out, msg)
	}
	_, err := fmt.Fprintln(out, formatLine(msg, p.selfID))
	return err
}
