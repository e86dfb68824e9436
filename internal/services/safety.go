package services

import (
	"fmt"
	"strings"
	"time"

	"transport-backend/internal/config"
	"transport-backend/internal/models"
)

// Issue texts are stable; clients match on them.
const (
	IssueVehicleInactive   = "vehicle inactive"
	IssueInsuranceExpired  = "insurance expired"
	IssueFitnessExpired    = "fitness certificate expired"
	IssueDriverInactive    = "driver inactive"
	IssueDriverUnavailable = "driver unavailable"
	IssueLicenseExpired    = "license expired"
)

// SafetyResult classifies a candidate. Issues block assignment unless
// overridden; warnings never do.
type SafetyResult struct {
	IsSafe   bool     `json:"isSafe"`
	Issues   []string `json:"issues"`
	Warnings []string `json:"warnings"`
}

func newSafetyResult() SafetyResult {
	return SafetyResult{IsSafe: true, Issues: []string{}, Warnings: []string{}}
}

func (r *SafetyResult) issue(msg string) {
	r.IsSafe = false
	r.Issues = append(r.Issues, msg)
}

func (r *SafetyResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r SafetyResult) merge(other SafetyResult) SafetyResult {
	out := SafetyResult{
		IsSafe:   r.IsSafe && other.IsSafe,
		Issues:   append(append([]string{}, r.Issues...), other.Issues...),
		Warnings: append(append([]string{}, r.Warnings...), other.Warnings...),
	}
	return out
}

// SafetyValidator checks vehicles and drivers against licensing and
// certification rules. It is pure: no I/O, no mutation.
type SafetyValidator struct {
	warningDays   int
	minExperience map[string]int
}

func NewSafetyValidator(cfg config.MatcherConfig) *SafetyValidator {
	minExperience := make(map[string]int, len(cfg.MinExperienceYears))
	for class, years := range cfg.MinExperienceYears {
		minExperience[strings.ToLower(class)] = years
	}
	return &SafetyValidator{
		warningDays:   cfg.ExpiryWarningDays,
		minExperience: minExperience,
	}
}

func (v *SafetyValidator) ValidateVehicle(vehicle *models.Vehicle, asOf time.Time) SafetyResult {
	result := newSafetyResult()
	if !vehicle.IsActive {
		result.issue(IssueVehicleInactive)
	}
	v.checkExpiry(&result, vehicle.InsuranceExpiry, asOf, IssueInsuranceExpired, "insurance")
	v.checkExpiry(&result, vehicle.FitnessExpiry, asOf, IssueFitnessExpired, "fitness certificate")
	return result
}

func (v *SafetyValidator) ValidateDriver(driver *models.Driver, asOf time.Time) SafetyResult {
	result := newSafetyResult()
	if !driver.IsActive {
		result.issue(IssueDriverInactive)
	}
	if !driver.IsAvailable {
		result.issue(IssueDriverUnavailable)
	}
	v.checkExpiry(&result, driver.LicenseExpiry, asOf, IssueLicenseExpired, "license")
	return result
}

// ValidatePair validates both resources and adds the experience check, which
// only makes sense once the vehicle class is known.
func (v *SafetyValidator) ValidatePair(vehicle *models.Vehicle, driver *models.Driver, asOf time.Time) SafetyResult {
	result := v.ValidateVehicle(vehicle, asOf).merge(v.ValidateDriver(driver, asOf))
	if required, ok := v.minExperience[strings.ToLower(string(vehicle.Class))]; ok && driver.ExperienceYears < required {
		result.warn("driver has %d years of experience, %d recommended for %s", driver.ExperienceYears, required, vehicle.Class)
	}
	return result
}

func (v *SafetyValidator) checkExpiry(result *SafetyResult, expiry, asOf time.Time, issue, label string) {
	if models.ExpiredAsOf(expiry, asOf) {
		result.issue(issue)
		return
	}
	if days := models.DaysUntil(expiry, asOf); days <= v.warningDays {
		result.warn("%s expires in %d days", label, days)
	}
}
