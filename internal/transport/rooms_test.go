package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/tOgg1/chatsync/internal/models"
)

func TestPasswordDigest(t *testing.T) {
	digest, err := HashPassword("hunter2", bcrypt.MinCost)
	require.NoError(t, err)
	require.NotEqual(t, "hunter2", digest)

	require.NoError(t, CheckPassword(digest, "hunter2"))
	require.ErrorIs(t, CheckPassword(digest, "hunter3"), ErrBadPassword)

	_, err = HashPassword("", bcrypt.MinCost)
	require.ErrorIs(t, err, ErrBadPassword)
}

func TestValidateRoomID(t *testing.T) {
	require.NoError(t, ValidateRoomID("family"))
	for _, bad := range []models.RoomKey{"", "default", "DEFAULT", " pad", "a b", "a/b"} {
		require.ErrorIs(t, ValidateRoomID(bad), ErrInvalidRoom, "room %q", bad)
	}
}
