package auth

import "time"

type Role string

const (
	RoleTenant     Role = "tenant"
	RoleLandlord   Role = "landlord"
	RoleArbitrator Role = "arbitrator"
)

// Principal is the domain representation of an authenticated party.
// It mirrors the principals table and should not include JSON annotations so
// it can be reused by different presentation layers.
type Principal struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
