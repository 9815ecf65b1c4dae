package presence_test

import (
	"testing"
	"time"

	"residenthub/backend/internal/models"
	"residenthub/backend/internal/presence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

func entry(ref, userID string, sec int64) models.PresenceEntry {
	return models.PresenceEntry{Ref: ref, User: models.PresenceUser{UserID: userID, OnlineAt: at(sec)}}
}

func TestMerge_LatestEntryWins(t *testing.T) {
	raw := models.BuildingPresenceState{
		"u1": {entry("c1", "u1", 1), entry("c2", "u1", 2)},
	}

	users := presence.Merge(raw)

	require.Len(t, users, 1)
	assert.True(t, users[0].OnlineAt.Equal(at(2)))
}

func TestMerge_SortedByFreshnessThenID(t *testing.T) {
	raw := models.BuildingPresenceState{
		"u3": {entry("c3", "u3", 50)},
		"u1": {entry("c1", "u1", 100)},
		"u2": {entry("c2", "u2", 50)},
	}

	users := presence.Merge(raw)

	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.UserID)
	}
	assert.Equal(t, []string{"u1", "u2", "u3"}, ids)
}

func TestMerge_Deterministic(t *testing.T) {
	build := func() models.BuildingPresenceState {
		return models.BuildingPresenceState{
			"a": {entry("c1", "u1", 10), entry("c2", "u2", 10)},
			"b": {entry("c3", "u1", 10), entry("c4", "u3", 7)},
			"c": {entry("c5", "u4", 12)},
		}
	}
	first := presence.Merge(build())

	for i := 0; i < 50; i++ {
		assert.Equal(t, first, presence.Merge(build()))
	}
	assert.NoError(t, presence.CheckUnique(first))
}

func TestMerge_GroupsByUserIDNotKey(t *testing.T) {
	raw := models.BuildingPresenceState{
		"k1": {entry("c1", "u1", 1)},
		"k2": {entry("c2", "u1", 3)},
	}

	users := presence.Merge(raw)

	require.Len(t, users, 1)
	assert.True(t, users[0].OnlineAt.Equal(at(3)))
}

func TestMergeSnapshots_LastWriteWins(t *testing.T) {
	a := []models.PresenceUser{{UserID: "u1", Username: "old", OnlineAt: at(1)}, {UserID: "u2", OnlineAt: at(5)}}
	b := []models.PresenceUser{{UserID: "u1", Username: "new", OnlineAt: at(9)}}

	forward := presence.MergeSnapshots(a, b)
	backward := presence.MergeSnapshots(b, a)

	assert.Equal(t, forward, backward)
	require.Len(t, forward, 2)
	assert.Equal(t, "u1", forward[0].UserID)
	assert.Equal(t, "new", forward[0].Username)
}

func TestCheckUnique(t *testing.T) {
	err := presence.CheckUnique([]models.PresenceUser{{UserID: "u1"}, {UserID: "u1"}})

	assert.ErrorIs(t, err, presence.ErrMergeInvariantViolation)
}

func TestNormalizeKeys(t *testing.T) {
	assert.Equal(t, []string{"b1", "b2"}, presence.NormalizeKeys([]string{"b2", "b1", "", "b2"}))
	assert.Empty(t, presence.NormalizeKeys(nil))
}
