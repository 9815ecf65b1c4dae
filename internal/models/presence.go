package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPresence is returned when a presence payload is missing its identity
// or freshness fields.
var ErrInvalidPresence = errors.New("invalid presence payload")

// PresenceUser is a resident as seen by a building presence channel.
// It only lives inside a channel's presence state and is never persisted.
type PresenceUser struct {
	// UserID is the identity key of the record.
	UserID string `json:"user_id"`
	// Display fields, all optional.
	Username        string `json:"username,omitempty"`
	FirstName       string `json:"first_name,omitempty"`
	LastName        string `json:"last_name,omitempty"`
	ApartmentNumber string `json:"apartment_number,omitempty"`
	// OnlineAt is the freshness tiebreaker: the latest value wins.
	OnlineAt time.Time `json:"online_at"`
}

// Validate checks the required fields.
func (u PresenceUser) Validate() error {
	if u.UserID == "" {
		return fmt.Errorf("%w: empty user_id", ErrInvalidPresence)
	}
	if u.OnlineAt.IsZero() {
		return fmt.Errorf("%w: missing online_at for %s", ErrInvalidPresence, u.UserID)
	}
	return nil
}

// WithFields returns a copy of u with every non-empty display field of fields
// applied on top. UserID and OnlineAt are never taken from fields.
func (u PresenceUser) WithFields(fields PresenceUser) PresenceUser {
	if fields.Username != "" {
		u.Username = fields.Username
	}
	if fields.FirstName != "" {
		u.FirstName = fields.FirstName
	}
	if fields.LastName != "" {
		u.LastName = fields.LastName
	}
	if fields.ApartmentNumber != "" {
		u.ApartmentNumber = fields.ApartmentNumber
	}
	return u
}

// FresherThan reports whether u should replace other in a last-write-wins merge.
func (u PresenceUser) FresherThan(other PresenceUser) bool {
	return u.OnlineAt.After(other.OnlineAt)
}

// DecodePresenceUser parses and validates a raw presence payload.
func DecodePresenceUser(data []byte) (PresenceUser, error) {
	var u PresenceUser
	if err := json.Unmarshal(data, &u); err != nil {
		return PresenceUser{}, fmt.Errorf("%w: %v", ErrInvalidPresence, err)
	}
	if err := u.Validate(); err != nil {
		return PresenceUser{}, err
	}
	return u, nil
}

// PresenceEntry is one raw presence record contributed by a single connection.
// Ref identifies the connection so that a leave removes exactly its own entry.
type PresenceEntry struct {
	Ref  string       `json:"presence_ref"`
	User PresenceUser `json:"user"`
}

// BuildingPresenceState maps a presence key to the entries of every live
// connection tracked under it.
type BuildingPresenceState map[string][]PresenceEntry

// Clone returns a deep copy of the state.
func (s BuildingPresenceState) Clone() BuildingPresenceState {
	out := make(BuildingPresenceState, len(s))
	for key, entries := range s {
		out[key] = append([]PresenceEntry(nil), entries...)
	}
	return out
}

// Upsert adds entries under key, replacing any entry with the same Ref.
func (s BuildingPresenceState) Upsert(key string, entries ...PresenceEntry) {
	current := s[key]
	for _, e := range entries {
		replaced := false
		for i := range current {
			if current[i].Ref == e.Ref {
				current[i] = e
				replaced = true
				break
			}
		}
		if !replaced {
			current = append(current, e)
		}
	}
	if len(current) > 0 {
		s[key] = current
	}
}

// Remove drops the entries with the given refs from key. The key disappears
// once its last entry is gone.
func (s BuildingPresenceState) Remove(key string, refs ...string) {
	current, ok := s[key]
	if !ok {
		return
	}
	drop := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		drop[ref] = struct{}{}
	}
	kept := current[:0]
	for _, e := range current {
		if _, gone := drop[e.Ref]; !gone {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(s, key)
		return
	}
	s[key] = kept
}
