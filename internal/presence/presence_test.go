package presence

import (
	"testing"

	"nexum/internal/models"

	"github.com/stretchr/testify/require"
)

func TestTracker_SetGet(t *testing.T) {
	tr := NewTracker()

	require.Equal(t, models.PresenceOffline, tr.Get("alice@uni.edu"))
	_, known := tr.Lookup("alice@uni.edu")
	require.False(t, known)

	tr.Set("alice@uni.edu", models.PresenceOnline)
	require.Equal(t, models.PresenceOnline, tr.Get("Alice@Uni.edu"))

	tr.Set("alice@uni.edu", models.PresenceOffline)
	status, known := tr.Lookup("alice@uni.edu")
	require.True(t, known)
	require.Equal(t, models.PresenceOffline, status)
}

func TestTracker_StaysOnlineWithoutOfflineEvent(t *testing.T) {
	tr := NewTracker()
	tr.Set("bob@uni.edu", models.PresenceOnline)

	// Unrelated updates never touch bob's entry.
	tr.Set("carol@uni.edu", models.PresenceOnline)
	tr.Set("carol@uni.edu", models.PresenceOffline)

	require.Equal(t, models.PresenceOnline, tr.Get("bob@uni.edu"))
	require.Len(t, tr.Snapshot(), 2)
}

func TestTracker_IgnoresEmptyID(t *testing.T) {
	tr := NewTracker()
	tr.Set("", models.PresenceOnline)
	require.Empty(t, tr.Snapshot())
}
