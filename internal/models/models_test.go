package models_test

import (
	"reflect"
	"testing"
	"time"

	"residenthub/backend/internal/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestResidentBeforeCreate_GeneratesUUID verifies that the BeforeCreate hook generates a valid UUID.
func TestResidentBeforeCreate_GeneratesUUID(t *testing.T) {
	r := &models.Resident{Username: "olena", BuildingIDs: pq.StringArray{"b1"}}
	assert.Empty(t, r.ID)

	err := r.BeforeCreate(nil)

	assert.NoError(t, err)
	parsed, parseErr := uuid.Parse(r.ID)
	assert.NoError(t, parseErr, "Resident ID must be a valid UUID string")
	assert.NotEqual(t, uuid.Nil, parsed)
}

func TestResidentBeforeCreate_PreservesExistingID(t *testing.T) {
	r := &models.Resident{ID: "fixed-id"}
	assert.NoError(t, r.BeforeCreate(nil))
	assert.Equal(t, "fixed-id", r.ID)
}

func TestResidentStructTags(t *testing.T) {
	rt := reflect.TypeOf(models.Resident{})

	idField, found := rt.FieldByName("ID")
	assert.True(t, found)
	assert.Contains(t, idField.Tag.Get("gorm"), "primaryKey")

	buildings, found := rt.FieldByName("BuildingIDs")
	assert.True(t, found)
	assert.Contains(t, buildings.Tag.Get("gorm"), "type:text[]", "BuildingIDs should use PostgreSQL array type")
}

func TestResidentPresenceIdentity(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := &models.Resident{ID: "u1", Username: "olena", FirstName: "Olena", ApartmentNumber: "12B", BuildingIDs: pq.StringArray{"b1", "b2"}}

	identity := r.PresenceIdentity(now)

	assert.Equal(t, "u1", identity.UserID)
	assert.Equal(t, "12B", identity.ApartmentNumber)
	assert.True(t, identity.OnlineAt.Equal(now))
	assert.True(t, r.BelongsTo("b2"))
	assert.False(t, r.BelongsTo("b3"))
}

func TestDecodePresenceUser(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{name: "valid", payload: `{"user_id":"u1","username":"a","online_at":"2026-01-01T10:00:00Z"}`},
		{name: "missing user id", payload: `{"online_at":"2026-01-01T10:00:00Z"}`, wantErr: true},
		{name: "missing online_at", payload: `{"user_id":"u1"}`, wantErr: true},
		{name: "not json", payload: `nope`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := models.DecodePresenceUser([]byte(tt.payload))
			if tt.wantErr {
				assert.ErrorIs(t, err, models.ErrInvalidPresence)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "u1", u.UserID)
		})
	}
}

func TestPresenceUserWithFields(t *testing.T) {
	at := time.Unix(100, 0)
	base := models.PresenceUser{UserID: "u1", Username: "old", FirstName: "Keep", OnlineAt: at}

	updated := base.WithFields(models.PresenceUser{UserID: "other", Username: "new", OnlineAt: time.Unix(999, 0)})

	assert.Equal(t, "u1", updated.UserID)
	assert.Equal(t, "new", updated.Username)
	assert.Equal(t, "Keep", updated.FirstName)
	assert.True(t, updated.OnlineAt.Equal(at))
}

func TestBuildingPresenceState_UpsertAndRemove(t *testing.T) {
	s := models.BuildingPresenceState{}
	u := models.PresenceUser{UserID: "u1", OnlineAt: time.Unix(1, 0)}

	s.Upsert("u1", models.PresenceEntry{Ref: "c1", User: u}, models.PresenceEntry{Ref: "c2", User: u})
	s.Upsert("u1", models.PresenceEntry{Ref: "c1", User: models.PresenceUser{UserID: "u1", OnlineAt: time.Unix(5, 0)}})
	require.Len(t, s["u1"], 2)
	assert.True(t, s["u1"][0].User.OnlineAt.Equal(time.Unix(5, 0)))

	clone := s.Clone()
	s.Remove("u1", "c1")
	assert.Len(t, s["u1"], 1)
	assert.Len(t, clone["u1"], 2, "clone must not share entries")

	s.Remove("u1", "c2")
	_, present := s["u1"]
	assert.False(t, present, "key disappears with its last entry")

	s.Remove("missing", "c9")
}

func TestChatRoomValidate(t *testing.T) {
	tests := []struct {
		name    string
		room    models.ChatRoom
		wantErr bool
	}{
		{
			name: "direct with two members",
			room: models.ChatRoom{RoomType: models.RoomTypeDirect, Members: []models.RoomMember{{UserID: "u1"}, {UserID: "u2"}}},
		},
		{
			name:    "direct with one member",
			room:    models.ChatRoom{RoomType: models.RoomTypeDirect, Members: []models.RoomMember{{UserID: "u1"}}},
			wantErr: true,
		},
		{
			name:    "direct with the same member twice",
			room:    models.ChatRoom{RoomType: models.RoomTypeDirect, Members: []models.RoomMember{{UserID: "u1"}, {UserID: "u1"}}},
			wantErr: true,
		},
		{
			name: "direct with a matching pair key",
			room: models.ChatRoom{RoomType: models.RoomTypeDirect, DirectKey: strPtr("u1|u2"), Members: []models.RoomMember{{UserID: "u2"}, {UserID: "u1"}}},
		},
		{
			name:    "direct with a foreign pair key",
			room:    models.ChatRoom{RoomType: models.RoomTypeDirect, DirectKey: strPtr("u1|u3"), Members: []models.RoomMember{{UserID: "u1"}, {UserID: "u2"}}},
			wantErr: true,
		},
		{
			name: "group with one member",
			room: models.ChatRoom{RoomType: models.RoomTypeGroup, Members: []models.RoomMember{{UserID: "u1"}}},
		},
		{
			name:    "empty group",
			room:    models.ChatRoom{RoomType: models.RoomTypeGroup},
			wantErr: true,
		},
		{
			name:    "unknown type",
			room:    models.ChatRoom{RoomType: "channel", Members: []models.RoomMember{{UserID: "u1"}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.room.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, models.ErrInvalidRoom)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func strPtr(s string) *string { return &s }

func TestDirectPairKey(t *testing.T) {
	assert.Equal(t, "u1|u2", models.DirectPairKey("u1", "u2"))
	assert.Equal(t, "u1|u2", models.DirectPairKey("u2", "u1"))
}

func TestChatMessageOrdering(t *testing.T) {
	at := time.Unix(100, 0)
	a := models.ChatMessage{ID: 1, CreatedAt: at}
	b := models.ChatMessage{ID: 2, CreatedAt: at}
	c := models.ChatMessage{ID: 0, CreatedAt: at.Add(time.Millisecond)}

	assert.True(t, a.Before(b), "id breaks created_at ties")
	assert.False(t, b.Before(a))
	assert.True(t, b.Before(c))
	assert.Equal(t, models.Cursor{CreatedAt: at, ID: 2}, b.Cursor())
}
