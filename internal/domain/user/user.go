package user

import "context"

// Status of a user account.
type Status string

const (
	StatusActive    Status = "active"
	StatusPending   Status = "pending"
	StatusSuspended Status = "suspended"
)

// User is an account that may place orders.
type User struct {
	ID       int64
	Username string
	Email    string
	Admin    bool
	Status   Status
}

// Repository lists user accounts.
type Repository interface {
	List(ctx context.Context, limit int) ([]User, error)
}
