package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/session"
)

func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send a message",
		Long: "Send a message to the current room and wait for the backend to confirm it.\n" +
			"The body is read from stdin when no argument is given.",
		Example: `  chatsync send "hello"
  echo "hello" | chatsync send
  chatsync send --reply-to 3f2a9c1e "agreed"
  chatsync send --image https://example.com/cat.png "look"`,
		Args: cobra.ArbitraryArgs,
		RunE: runSend,
	}
	cmd.Flags().String("reply-to", "", "id (or unique prefix) of the message to reply to")
	cmd.Flags().String("image", "", "send an image by URL; the message becomes its caption")
	cmd.Flags().String("audio", "", "send an audio clip by URL; the message becomes its caption")
	cmd.Flags().Duration("wait", 10*time.Second, "how long to wait for confirmation")
	return cmd
}

func runSend(cmd *cobra.Command, args []string) error {
	replyTo, _ := cmd.Flags().GetString("reply-to")
	image, _ := cmd.Flags().GetString("image")
	audio, _ := cmd.Flags().GetString("audio")
	wait, _ := cmd.Flags().GetDuration("wait")

	draft, err := buildDraft(cmd, strings.Join(args, " "), image, audio)
	if err != nil {
		return err
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

	if ref := strings.TrimSpace(replyTo); ref != "" {
		draft.ReplyToID = resolveMessageID(sess.Snapshot(), ref)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), wait)
	defer cancel()

	pending, err := sess.Send(ctx, draft)
	if err != nil {
		return Exitf(ExitCodeFailure, "send: %v", err)
	}
	confirmed, err := waitConfirmed(ctx, sess, pending)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Exitf(ExitCodeFailure, "message not confirmed within %s", wait)
		}
		return Exitf(ExitCodeFailure, "send: %v", err)
	}

	if jsonFlag(cmd) {
		return writeJSON(cmd.OutOrStdout(), confirmed)
	}
	fmt.Fprintln(cmd.OutOrStdout(), confirmed.ID)
	return nil
}

func buildDraft(cmd *cobra.Command, body, image, audio string) (models.Draft, error) {
	image = strings.TrimSpace(image)
	audio = strings.TrimSpace(audio)
	if image != "" && audio != "" {
		return models.Draft{}, usageError(cmd, "use either --image or --audio, not both")
	}

	if strings.TrimSpace(body) == "" {
		piped, err := readPipedBody(cmd)
		if err != nil {
			return models.Draft{}, Exitf(ExitCodeFailure, "read stdin: %v", err)
		}
		body = strings.TrimRight(piped, "\r\n")
	}

	draft := models.Draft{Kind: models.KindText, Body: body}
	switch {
	case image != "":
		draft.Kind, draft.MediaURL = models.KindImage, image
	case audio != "":
		draft.Kind, draft.MediaURL = models.KindAudio, audio
	}
	normalized, err := draft.Normalize()
	if err != nil {
		return models.Draft{}, usageError(cmd, err.Error())
	}
	return normalized, nil
}

// resolveMessageID expands a unique prefix against the loaded page. Ids not
// on the page are used as given.
func resolveMessageID(snapshot []models.Message, ref string) string {
	match := ""
	for _, m := range snapshot {
		if m.ID == ref {
			return ref
		}
		if strings.HasPrefix(m.ID, ref) {
			if match != "" {
				return ref
			}
			match = m.ID
		}
	}
	if match == "" {
		return ref
	}
	return match
}

// waitConfirmed blocks until the pending entry is confirmed or fails.
func waitConfirmed(ctx context.Context, sess *session.Session, pending models.Message) (models.Message, error) {
	for {
		msg, done, err := sendOutcome(sess, pending)
		if done {
			return msg, err
		}
		select {
		case <-ctx.Done():
			return pending, ctx.Err()
		case <-sess.Changes():
		}
	}
}

func sendOutcome(sess *session.Session, pending models.Message) (models.Message, bool, error) {
	snapshot := sess.Snapshot()
	for _, m := range snapshot {
		if m.ID != pending.ID {
			continue
		}
		if !m.Failed {
			return m, false, nil
		}
		if werr, ok := sess.Failure(pending.ID); ok {
			return m, true, werr
		}
		return m, true, errors.New("write rejected")
	}

	self := sess.Self().ID
	for i := len(snapshot) - 1; i >= 0; i-- {
		m := snapshot[i]
		if m.AuthorID == self && !m.Pending && m.Kind == pending.Kind && m.Body == pending.Body && m.MediaURL == pending.MediaURL {
			return m, true, nil
		}
	}
	return pending, true, nil
}
