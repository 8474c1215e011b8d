package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tOgg1/chatsync/internal/config"
	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/prefs"
	"github.com/tOgg1/chatsync/internal/transport"
)

func newRoomCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "room",
		Short: "Manage password protected rooms",
		Long: "Rooms partition messages and presence. The default room is public; other rooms\n" +
			"need their password once, after which the selection is saved as the current context.",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "create <id>",
			Short: "Create a protected room and switch to it",
			Args:  cobra.ExactArgs(1),
			RunE:  runRoomCreate,
		},
		&cobra.Command{
			Use:   "verify <id>",
			Short: "Check a room password without switching",
			Args:  cobra.ExactArgs(1),
			RunE:  runRoomVerify,
		},
		&cobra.Command{
			Use:     "use <id>",
			Aliases: []string{"join", "switch"},
			Short:   "Switch to a room (\"default\" for the public room)",
			Args:    cobra.ExactArgs(1),
			RunE:    runRoomUse,
		},
		&cobra.Command{
			Use:     "show",
			Aliases: []string{"current"},
			Short:   "Show the current room",
			Args:    cobra.NoArgs,
			RunE:    runRoomShow,
		},
		&cobra.Command{
			Use:   "leave",
			Short: "Return to the public room",
			Args:  cobra.NoArgs,
			RunE:  runRoomLeave,
		},
	)
	return cmd
}

func parseRoomArg(cmd *cobra.Command, arg string) (models.RoomKey, error) {
	room := models.NormalizeRoom(arg)
	if room.IsDefault() {
		return room, nil
	}
	if err := transport.ValidateRoomID(room); err != nil {
		return "", usageError(cmd, fmt.Sprintf("invalid room id %q: %v", arg, err))
	}
	return room, nil
}

func runRoomCreate(cmd *cobra.Command, args []string) error {
	room, err := parseRoomArg(cmd, args[0])
	if err != nil {
		return err
	}
	if room.IsDefault() {
		return usageError(cmd, "the default room always exists")
	}

	rt, err := openRuntime(cmd, modeOneShot)
	if err != nil {
		return err
	}
	defer rt.Close()

	auth, err := rt.authorizer()
	if err != nil {
		return Exitf(ExitCodeFailure, "%v", err)
	}
	password, err := readNewPassword(cmd, fmt.Sprintf("New password for room %s: ", room))
	if err != nil {
		return Exitf(ExitCodeFailure, "read password: %v", err)
	}
	created, err := auth.CreateRoom(cmd.Context(), room, password)
	if err != nil {
		if errors.Is(err, transport.ErrRoomExists) {
			return Exitf(ExitCodeFailure, "room %s already exists", room)
		}
		return Exitf(ExitCodeFailure, "create room: %v", err)
	}
	if err := rt.saveRoom(room); err != nil {
		return err
	}

	if jsonFlag(cmd) {
		return writeJSON(cmd.OutOrStdout(), map[string]any{"room": created.ID, "created_at": created.CreatedAt})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created room %s\n", room)
	printNextSteps(cmd, hintsForRoom(room))
	return nil
}

func runRoomVerify(cmd *cobra.Command, args []string) error {
	room, err := parseRoomArg(cmd, args[0])
	if err != nil {
		return err
	}
	if room.IsDefault() {
		fmt.Fprintln(cmd.OutOrStdout(), "the default room is public")
		return nil
	}

	rt, err := openRuntime(cmd, modeOneShot)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.verifyRoom(cmd, room); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "password accepted for room %s\n", room)
	return nil
}

func runRoomUse(cmd *cobra.Command, args []string) error {
	room, err := parseRoomArg(cmd, args[0])
	if err != nil {
		return err
	}

	mode := modeOneShot
	if room.IsDefault() {
		mode = modeLocal
	}
	rt, err := openRuntime(cmd, mode)
	if err != nil {
		return err
	}
	defer rt.Close()

	if !room.IsDefault() {
		if err := rt.verifyRoom(cmd, room); err != nil {
			return err
		}
	}
	if err := rt.saveRoom(room); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "now in room %s\n", room)
	return nil
}

func runRoomShow(cmd *cobra.Command, _ []string) error {
	rt, err := openRuntime(cmd, modeLocal)
	if err != nil {
		return err
	}
	defer rt.Close()

	current, err := rt.contexts.Load()
	if err != nil {
		return Exitf(ExitCodeFailure, "load context: %v", err)
	}
	if jsonFlag(cmd) {
		return writeJSON(cmd.OutOrStdout(), current)
	}

	rows := [][]string{
		{"room", current.RoomKey().String()},
		{"protected", formatYesNo(!current.RoomKey().IsDefault())},
	}
	if !current.VerifiedAt.IsZero() {
		rows = append(rows, []string{"verified", current.VerifiedAt.Local().Format(time.DateTime)})
	}
	if last, ok := rt.prefs.Get(prefs.KeyLastRoom); ok && models.NormalizeRoom(last) != current.RoomKey() {
		rows = append(rows, []string{"last joined", models.NormalizeRoom(last).String()})
	}
	return writeTable(cmd.OutOrStdout(), nil, rows)
}

func runRoomLeave(cmd *cobra.Command, _ []string) error {
	rt, err := openRuntime(cmd, modeLocal)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.contexts.Clear(); err != nil {
		return Exitf(ExitCodeFailure, "clear context: %v", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "now in room default")
	return nil
}

// saveRoom stores room as the current context. The default room clears it.
func (rt *runtime) saveRoom(room models.RoomKey) error {
	if room.IsDefault() {
		if err := rt.contexts.Clear(); err != nil {
			return Exitf(ExitCodeFailure, "clear context: %v", err)
		}
		return nil
	}
	current := &config.Context{}
	current.UseRoom(room, time.Now().UTC())
	if err := rt.contexts.Save(current); err != nil {
		return Exitf(ExitCodeFailure, "save context: %v", err)
	}
	rt.logger.Debug().Str("room", strings.TrimSpace(string(room))).Msg("context saved")
	return nil
}
