package cli

import (
	"github.com/spf13/cobra"

	"github.com/tOgg1/chatsync/internal/models"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "history",
		Aliases: []string{"log"},
		Short:   "Print recent messages",
		Long:    "Print the newest messages of the current room, oldest first, loading older pages as needed.",
		Args:    cobra.NoArgs,
		RunE:    runHistory,
	}
	cmd.Flags().IntP("limit", "n", 20, "number of messages to print")
	return cmd
}

func runHistory(cmd *cobra.Command, _ []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	if limit < 1 {
		return usageError(cmd, "--limit must be at least 1")
	}

	rt, err := openRuntime(cmd, modeOneShot)
	if err != nil {
		return err
	}
	defer rt.Close()

	sess, err := rt.startSession(cmd.Context(), cmd, false)
	if err != nil {
		return err
	}
	defer sess.Stop()

	for len(sess.Snapshot()) < limit && sess.Status().HasMore {
		res, err := sess.LoadOlder(cmd.Context())
		if err != nil {
			return Exitf(ExitCodeFailure, "load history: %v", err)
		}
		if res.Added == 0 {
			break
		}
	}
	if status := sess.Status(); status.LastError != nil {
		return Exitf(ExitCodeFailure, "load history: %v", status.LastError)
	}

	messages := sess.Snapshot()
	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}

	if jsonFlag(cmd) {
		if messages == nil {
			messages = []models.Message{}
		}
		return writeJSON(cmd.OutOrStdout(), messages)
	}

	selfID := sess.Self().ID
	rows := make([][]string, 0, len(messages))
	for _, msg := range messages {
		rows = append(rows, []string{
			msg.CreatedAt.Local().Format("2006-01-02 15:04"),
			shortID(msg.ID),
			authorLabel(msg, selfID),
			truncate(messageText(msg), 80),
		})
	}
	return writeTable(cmd.OutOrStdout(), []string{"TIME", "ID", "FROM", "MESSAGE"}, rows)
}
