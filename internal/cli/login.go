package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/prefs"
	"github.com/tOgg1/chatsync/internal/transport"
)

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Choose the owner or guest role",
		Long: "The role is cached with the session token. The owner role is guarded by\n" +
			"owner.password_digest when it is set; `chatsync login digest` prints one.",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "owner",
			Short: "Sign in as the room owner",
			Args:  cobra.NoArgs,
			RunE:  runLoginOwner,
		},
		&cobra.Command{
			Use:   "guest",
			Short: "Continue as a guest",
			Args:  cobra.NoArgs,
			RunE:  runLoginGuest,
		},
		&cobra.Command{
			Use:     "status",
			Aliases: []string{"whoami"},
			Short:   "Show the cached role and session",
			Args:    cobra.NoArgs,
			RunE:    runLoginStatus,
		},
		&cobra.Command{
			Use:   "digest",
			Short: "Print a bcrypt digest for owner.password_digest",
			Args:  cobra.NoArgs,
			RunE:  runLoginDigest,
		},
	)
	return cmd
}

func runLoginOwner(cmd *cobra.Command, _ []string) error {
	rt, err := openRuntime(cmd, modeLocal)
	if err != nil {
		return err
	}
	defer rt.Close()

	if digest := rt.cfg.Owner.PasswordDigest; digest != "" {
		password, err := readPassword(cmd, "Owner password: ")
		if err != nil {
			return Exitf(ExitCodeFailure, "read password: %v", err)
		}
		if err := transport.CheckPassword(digest, password); err != nil {
			if errors.Is(err, transport.ErrBadPassword) {
				return Exitf(ExitCodeFailure, "wrong owner password")
			}
			return Exitf(ExitCodeFailure, "check owner password: %v", err)
		}
	} else {
		rt.logger.Warn().Msg("owner.password_digest is not set; anyone on this machine can sign in as owner")
	}

	return setRole(cmd, rt, models.RoleOwner)
}

func runLoginGuest(cmd *cobra.Command, _ []string) error {
	rt, err := openRuntime(cmd, modeLocal)
	if err != nil {
		return err
	}
	defer rt.Close()
	return setRole(cmd, rt, models.RoleGuest)
}

func setRole(cmd *cobra.Command, rt *runtime, role models.Role) error {
	if err := rt.prefs.Set(prefs.KeyRole, string(role)); err != nil {
		return Exitf(ExitCodeFailure, "save role: %v", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s\n", role)
	printNextSteps(cmd, hintsForLogin(role))
	return nil
}

func runLoginStatus(cmd *cobra.Command, _ []string) error {
	rt, err := openRuntime(cmd, modeLocal)
	if err != nil {
		return err
	}
	defer rt.Close()

	token, _ := rt.prefs.Get(prefs.KeySessionToken)
	cachedTheme, _ := rt.prefs.Get(prefs.KeyTheme)
	current, err := rt.contexts.Load()
	if err != nil {
		return Exitf(ExitCodeFailure, "load context: %v", err)
	}

	status := map[string]string{
		"role":    string(rt.role()),
		"session": logging.Token(token),
		"theme":   cachedTheme,
		"room":    current.RoomKey().String(),
	}
	if jsonFlag(cmd) {
		return writeJSON(cmd.OutOrStdout(), status)
	}
	rows := [][]string{
		{"role", status["role"]},
		{"room", status["room"]},
		{"session", valueOr(status["session"], "(none)")},
		{"theme", valueOr(status["theme"], "(none)")},
	}
	return writeTable(cmd.OutOrStdout(), nil, rows)
}

func runLoginDigest(cmd *cobra.Command, _ []string) error {
	password, err := readNewPassword(cmd, "Owner password: ")
	if err != nil {
		return Exitf(ExitCodeFailure, "read password: %v", err)
	}
	digest, err := transport.HashPassword(password, bcrypt.DefaultCost)
	if err != nil {
		return Exitf(ExitCodeFailure, "hash password: %v", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), digest)
	return nil
}

func valueOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
