package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type LicenseStatus string

const (
	LicenseValid        LicenseStatus = "valid"
	LicenseExpiringSoon LicenseStatus = "expiring_soon"
	LicenseExpired      LicenseStatus = "expired"
)

type Driver struct {
	ID              primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID          string             `bson:"user_id" json:"userId"`
	Name            string             `bson:"name" json:"name" validate:"required"`
	Phone           string             `bson:"phone" json:"phone"`
	LicenseNumber   string             `bson:"license_number" json:"licenseNumber" validate:"required"`
	LicenseExpiry   time.Time          `bson:"license_expiry" json:"licenseExpiry"`
	ExperienceYears int                `bson:"experience_years" json:"experienceYears"`
	Rating          float64            `bson:"rating" json:"rating" validate:"min=0,max=5"`
	CompletedTrips  int                `bson:"completed_trips" json:"completedTrips"`
	IsActive        bool               `bson:"is_active" json:"isActive"`
	IsAvailable     bool               `bson:"is_available" json:"isAvailable"`
	BookingVersion  int64              `bson:"booking_version" json:"-"`
	CreatedAt       time.Time          `bson:"created_at" json:"createdAt"`
	UpdatedAt       time.Time          `bson:"updated_at" json:"updatedAt"`
}

// LicenseStatus classifies the license as of the given date.
func (d *Driver) LicenseStatus(asOf time.Time, warningDays int) LicenseStatus {
	switch {
	case ExpiredAsOf(d.LicenseExpiry, asOf):
		return LicenseExpired
	case DaysUntil(d.LicenseExpiry, asOf) <= warningDays:
		return LicenseExpiringSoon
	default:
		return LicenseValid
	}
}

type DriverFilter struct {
	ActiveOnly    bool
	AvailableOnly bool
}

func (f DriverFilter) Matches(d *Driver) bool {
	if d == nil {
		return false
	}
	if f.ActiveOnly && !d.IsActive {
		return false
	}
	if f.AvailableOnly && !d.IsAvailable {
		return false
	}
	return true
}
