package transport

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/tOgg1/chatsync/internal/models"
)

// ErrInvalidRoom is returned for room ids that cannot be created.
var ErrInvalidRoom = errors.New("invalid room id")

// HashPassword derives the stored digest for a room password. A cost of
// zero uses bcrypt.DefaultCost.
func HashPassword(password string, cost int) (string, error) {
	if password == "" {
		return "", fmt.Errorf("%w: empty password", ErrBadPassword)
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	digest, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash room password: %w", err)
	}
	return string(digest), nil
}

// CheckPassword compares password against digest.
func CheckPassword(digest, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(digest), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrBadPassword
		}
		return fmt.Errorf("check room password: %w", err)
	}
	return nil
}

// ValidateRoomID rejects ids that cannot name a protected room.
func ValidateRoomID(id models.RoomKey) error {
	s := string(id)
	if id.IsDefault() || strings.TrimSpace(s) != s || strings.EqualFold(s, "default") {
		return fmt.Errorf("%w: %q", ErrInvalidRoom, s)
	}
	if strings.ContainsAny(s, " \t\n/") {
		return fmt.Errorf("%w: %q", ErrInvalidRoom, s)
	}
	return nil
}
