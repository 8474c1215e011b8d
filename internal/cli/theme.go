package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/prefs"
	"github.com/tOgg1/chatsync/internal/theme"
)

func newThemeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "theme",
		Short: "Show or change the room theme",
		Long:  "The owner picks the theme; every participant renders it.",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:     "list",
			Aliases: []string{"ls"},
			Short:   "List the available themes",
			Args:    cobra.NoArgs,
			RunE:    runThemeList,
		},
		&cobra.Command{
			Use:   "show",
			Short: "Show the theme in effect for the current room",
			Args:  cobra.NoArgs,
			RunE:  runThemeShow,
		},
		&cobra.Command{
			Use:   "set <id>",
			Short: "Change the room theme (owner only)",
			Args:  cobra.ExactArgs(1),
			RunE:  runThemeSet,
		},
	)
	return cmd
}

func runThemeList(cmd *cobra.Command, _ []string) error {
	rt, err := openRuntime(cmd, modeLocal)
	if err != nil {
		return err
	}
	defer rt.Close()

	cached, _ := rt.prefs.Get(prefs.KeyTheme)
	current := theme.Resolve(cached).ID
	themes := theme.All()

	if jsonFlag(cmd) {
		type entry struct {
			ID      string `json:"id"`
			Name    string `json:"name"`
			Accent  string `json:"accent"`
			Current bool   `json:"current"`
		}
		out := make([]entry, 0, len(themes))
		for _, t := range themes {
			out = append(out, entry{ID: t.ID, Name: t.Name, Accent: t.Palette.Accent, Current: t.ID == current})
		}
		return writeJSON(cmd.OutOrStdout(), out)
	}

	rows := make([][]string, 0, len(themes))
	for _, t := range themes {
		marker := ""
		if t.ID == current {
			marker = "*"
		}
		rows = append(rows, []string{marker, t.ID, t.Name, t.Palette.Accent})
	}
	return writeTable(cmd.OutOrStdout(), []string{"", "ID", "NAME", "ACCENT"}, rows)
}

func runThemeShow(cmd *cobra.Command, _ []string) error {
	rt, err := openRuntime(cmd, modeOneShot)
	if err != nil {
		return err
	}
	defer rt.Close()

	sess, err := rt.startSession(cmd.Context(), cmd, true)
	if err != nil {
		return err
	}
	defer sess.Stop()

	id := sess.Theme()
	if jsonFlag(cmd) {
		return writeJSON(cmd.OutOrStdout(), map[string]string{"room": sess.Room().String(), "theme": id})
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func runThemeSet(cmd *cobra.Command, args []string) error {
	id := strings.ToLower(strings.TrimSpace(args[0]))
	if _, ok := theme.Lookup(id); !ok {
		return usageError(cmd, fmt.Sprintf("unknown theme %q (one of %s)", id, strings.Join(theme.IDs(), ", ")))
	}

	rt, err := openRuntime(cmd, modeOneShot)
	if err != nil {
		return err
	}
	defer rt.Close()

	if rt.role() != models.RoleOwner {
		return Exitf(ExitCodeFailure, "only the owner can change the theme (run: chatsync login owner)")
	}

	sess, err := rt.startSession(cmd.Context(), cmd, false)
	if err != nil {
		return err
	}
	defer sess.Stop()

	if err := sess.ChangeTheme(cmd.Context(), id); err != nil {
		if errors.Is(err, theme.ErrNotOwner) {
			return Exitf(ExitCodeFailure, "only the owner can change the theme (run: chatsync login owner)")
		}
		return Exitf(ExitCodeFailure, "change theme: %v", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "theme set to %s\n", id)
	return nil
}
