package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type VehicleClass string

const (
	VehicleClassCar   VehicleClass = "car"
	VehicleClassVan   VehicleClass = "van"
	VehicleClassBus   VehicleClass = "bus"
	VehicleClassTruck VehicleClass = "truck"
)

type Vehicle struct {
	ID                 primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	PlateNumber        string             `bson:"plate_number" json:"plateNumber" validate:"required"`
	Make               string             `bson:"make" json:"make"`
	Model              string             `bson:"model" json:"model"`
	Class              VehicleClass       `bson:"class" json:"class" validate:"required,oneof=car van bus truck"`
	Capacity           int                `bson:"capacity" json:"capacity" validate:"min=1"`
	FuelEfficiencyKmpl float64            `bson:"fuel_efficiency_kmpl" json:"fuelEfficiencyKmpl"`
	IsActive           bool               `bson:"is_active" json:"isActive"`
	InsuranceExpiry    time.Time          `bson:"insurance_expiry" json:"insuranceExpiry"`
	FitnessExpiry      time.Time          `bson:"fitness_expiry" json:"fitnessExpiry"`
	BookingVersion     int64              `bson:"booking_version" json:"-"`
	CreatedAt          time.Time          `bson:"created_at" json:"createdAt"`
	UpdatedAt          time.Time          `bson:"updated_at" json:"updatedAt"`
}

// VehicleFilter narrows catalog reads. Zero values match everything.
type VehicleFilter struct {
	MinCapacity int
	ActiveOnly  bool
}

func (f VehicleFilter) Matches(v *Vehicle) bool {
	if v == nil {
		return false
	}
	if f.ActiveOnly && !v.IsActive {
		return false
	}
	return v.Capacity >= f.MinCapacity
}
