package presence

import (
	"errors"
	"fmt"
	"sort"

	"residenthub/backend/internal/models"
)

// ErrMergeInvariantViolation reports a merged snapshot holding the same user twice.
var ErrMergeInvariantViolation = errors.New("presence: merged snapshot contains duplicate user_id")

// Merge collapses raw per-connection entries into one record per user_id,
// keeping the entry with the latest OnlineAt. The result is sorted by
// OnlineAt descending, then UserID ascending, so equal input maps always
// produce equal output.
func Merge(raw models.BuildingPresenceState) []models.PresenceUser {
	type pick struct {
		ref  string
		user models.PresenceUser
	}
	best := make(map[string]pick)
	for _, entries := range raw {
		for _, e := range entries {
			id := e.User.UserID
			cur, ok := best[id]
			if !ok || e.User.FresherThan(cur.user) ||
				(e.User.OnlineAt.Equal(cur.user.OnlineAt) && e.Ref > cur.ref) {
				best[id] = pick{ref: e.Ref, user: e.User}
			}
		}
	}

	out := make([]models.PresenceUser, 0, len(best))
	for _, p := range best {
		out = append(out, p.user)
	}
	sortUsers(out)
	return out
}

// MergeSnapshots unions several merged snapshots, last-write-wins by OnlineAt
// per user_id. Arrival order does not matter.
func MergeSnapshots(snapshots ...[]models.PresenceUser) []models.PresenceUser {
	best := make(map[string]models.PresenceUser)
	for _, snap := range snapshots {
		for _, u := range snap {
			cur, ok := best[u.UserID]
			if !ok || u.FresherThan(cur) {
				best[u.UserID] = u
			}
		}
	}
	out := make([]models.PresenceUser, 0, len(best))
	for _, u := range best {
		out = append(out, u)
	}
	sortUsers(out)
	return out
}

// CheckUnique returns ErrMergeInvariantViolation if users contains a user_id twice.
func CheckUnique(users []models.PresenceUser) error {
	seen := make(map[string]struct{}, len(users))
	for _, u := range users {
		if _, dup := seen[u.UserID]; dup {
			return fmt.Errorf("%w: %s", ErrMergeInvariantViolation, u.UserID)
		}
		seen[u.UserID] = struct{}{}
	}
	return nil
}

func sortUsers(users []models.PresenceUser) {
	sort.Slice(users, func(i, j int) bool {
		if !users[i].OnlineAt.Equal(users[j].OnlineAt) {
			return users[i].OnlineAt.After(users[j].OnlineAt)
		}
		return users[i].UserID < users[j].UserID
	})
}

// equalSnapshots compares two sorted snapshots.
func equalSnapshots(a, b []models.PresenceUser) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].UserID != b[i].UserID || !a[i].OnlineAt.Equal(b[i].OnlineAt) ||
			a[i].Username != b[i].Username || a[i].FirstName != b[i].FirstName ||
			a[i].LastName != b[i].LastName || a[i].ApartmentNumber != b[i].ApartmentNumber {
			return false
		}
	}
	return true
}
