package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// Resident is the profile of a building resident or manager.
// A property manager typically belongs to several buildings at once.
type Resident struct {
	ID              string         `gorm:"primaryKey" json:"id"`
	Username        string         `gorm:"type:text;uniqueIndex" json:"username"`
	FirstName       string         `gorm:"type:text" json:"first_name"`
	LastName        string         `gorm:"type:text" json:"last_name"`
	ApartmentNumber string         `gorm:"type:text" json:"apartment_number"`
	BuildingIDs     pq.StringArray `gorm:"type:text[]" json:"building_ids"`
}

// BeforeCreate generates a UUID for the resident if ID is not set yet.
func (r *Resident) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return
}

// BelongsTo reports whether the resident is a member of buildingID.
func (r *Resident) BelongsTo(buildingID string) bool {
	for _, id := range r.BuildingIDs {
		if id == buildingID {
			return true
		}
	}
	return false
}

// PresenceIdentity builds the presence record tracked for this resident.
func (r *Resident) PresenceIdentity(now time.Time) PresenceUser {
	return PresenceUser{
		UserID:          r.ID,
		Username:        r.Username,
		FirstName:       r.FirstName,
		LastName:        r.LastName,
		ApartmentNumber: r.ApartmentNumber,
		OnlineAt:        now,
	}
}
