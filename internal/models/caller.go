package models

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleDriver   Role = "driver"
	RoleEmployee Role = "employee"
)

// Caller is the authenticated identity behind an operation.
type Caller struct {
	UserID   string `json:"userId"`
	Email    string `json:"email"`
	Role     Role   `json:"role"`
	DriverID string `json:"driverId,omitempty"`
}

func (c Caller) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// Drives reports whether the caller is the driver with the given ID.
func (c Caller) Drives(driverID string) bool {
	return c.Role == RoleDriver && c.DriverID != "" && c.DriverID == driverID
}
