package cli

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/prefs"
)

func newWhoCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "who",
		Aliases: []string{"online"},
		Short:   "List who is online",
		Long:    "List participants of the current room seen within presence.stale_after.",
		Args:    cobra.NoArgs,
		RunE:    runWho,
	}
}

func runWho(cmd *cobra.Command, _ []string) error {
	rt, err := openRuntime(cmd, modeOneShot)
	if err != nil {
		return err
	}
	defer rt.Close()

	room, err := rt.resolveRoom(cmd)
	if err != nil {
		return err
	}
	now := time.Now()
	online, err := rt.backend.FetchOnlineParticipants(cmd.Context(), room, now.Add(-rt.cfg.Presence.StaleAfter))
	if err != nil {
		return Exitf(ExitCodeFailure, "fetch online participants: %v", err)
	}
	token, _ := rt.prefs.Get(prefs.KeySessionToken)

	if jsonFlag(cmd) {
		out := make([]models.Participant, 0, len(online))
		for _, p := range online {
			p.SessionToken = ""
			out = append(out, p)
		}
		return writeJSON(cmd.OutOrStdout(), out)
	}

	rows := make([][]string, 0, len(online))
	for _, p := range online {
		themeID := p.Theme
		if themeID == "" {
			themeID = "-"
		}
		rows = append(rows, []string{
			shortID(p.ID),
			string(p.Role),
			themeID,
			humanize.RelTime(p.LastSeen, now, "ago", "from now"),
			formatYesNo(token != "" && p.SessionToken == token),
		})
	}
	return writeTable(cmd.OutOrStdout(), []string{"ID", "ROLE", "THEME", "LAST SEEN", "YOU"}, rows)
}
