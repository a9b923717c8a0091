package domain

import "time"

// User carries the credit balance charged by generation jobs. The balance is
// only ever mutated through the credit ledger, inside the same transaction
// that moves the related generation's status.
type User struct {
	ID        string
	Email     string
	Credits   int
	CreatedAt time.Time
	UpdatedAt time.Time
}
