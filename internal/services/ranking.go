package services

import (
	"sort"

	"transport-backend/internal/models"
)

// Fuel efficiency only breaks capacity ties for groups larger than a car load.
const fuelTiebreakMinPassengers = 5

type VehicleCandidate struct {
	Vehicle     *models.Vehicle `json:"vehicle"`
	Safety      SafetyResult    `json:"safety"`
	CapacityGap int             `json:"capacityGap"`
	Booked      bool            `json:"booked"`
}

type DriverCandidate struct {
	Driver        *models.Driver       `json:"driver"`
	Safety        SafetyResult         `json:"safety"`
	LicenseStatus models.LicenseStatus `json:"licenseStatus"`
	Booked        bool                 `json:"booked"`
}

// VehicleLess orders the tightest capacity fit first. For passengerCount > 4
// equal fits are ordered by fuel efficiency, best first.
func VehicleLess(a, b *models.Vehicle, passengerCount int) bool {
	gapA, gapB := capacityGap(a, passengerCount), capacityGap(b, passengerCount)
	if gapA != gapB {
		return gapA < gapB
	}
	if passengerCount >= fuelTiebreakMinPassengers && a.FuelEfficiencyKmpl != b.FuelEfficiencyKmpl {
		return a.FuelEfficiencyKmpl > b.FuelEfficiencyKmpl
	}
	return a.ID.Hex() < b.ID.Hex()
}

// DriverLess orders by rating, then completed trips, both descending.
func DriverLess(a, b *models.Driver) bool {
	if a.Rating != b.Rating {
		return a.Rating > b.Rating
	}
	if a.CompletedTrips != b.CompletedTrips {
		return a.CompletedTrips > b.CompletedTrips
	}
	return a.ID.Hex() < b.ID.Hex()
}

func RankVehicles(candidates []VehicleCandidate, passengerCount int) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return VehicleLess(candidates[i].Vehicle, candidates[j].Vehicle, passengerCount)
	})
}

func RankDrivers(candidates []DriverCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return DriverLess(candidates[i].Driver, candidates[j].Driver)
	})
}

func capacityGap(v *models.Vehicle, passengerCount int) int {
	gap := v.Capacity - passengerCount
	if gap < 0 {
		return -gap
	}
	return gap
}
