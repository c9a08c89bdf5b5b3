package auth

import "time"

type Role string

const (
	RoleParticipant Role = "participant"
	RoleArbitrator  Role = "arbitrator"
	RoleOperator    Role = "operator"
)

// Account is the domain representation of an authenticated party. Its ID is
// the ledger account the party stakes, challenges and rules as.
type Account struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains account registration data supplied by callers.
// ID is optional; an empty ID lets the store assign one.
type RegisterRequest struct {
	ID       string `json:"id,omitempty"`
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains account login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Claims is what a verified token proves about its bearer.
type Claims struct {
	AccountID string
	Role      Role
}
