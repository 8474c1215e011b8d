package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tOgg1/chatsync/internal/models"
)

// printNextSteps prints follow-up commands after a successful command.
// Does nothing with --json.
func printNextSteps(cmd *cobra.Command, hints []string) {
	if jsonFlag(cmd) || len(hints) == 0 {
		return
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next steps:")
	for _, hint := range hints {
		fmt.Fprintf(out, "  %s\n", hint)
	}
}

func hintsForRoom(room models.RoomKey) []string {
	return []string{
		"chatsync                  # open the chat in " + room.String(),
		"chatsync who              # see who is online",
		"chatsync room leave       # back to the public room",
	}
}

func hintsForLogin(role models.Role) []string {
	if role == models.RoleOwner {
		return []string{
			"chatsync theme list       # pick a theme",
			"chatsync theme set <id>   # change it for everyone",
		}
	}
	return []string{
		"chatsync                  # open the chat",
	}
}
