package domain

import "time"

// User is owned by the account system; this service only reads it and
// stamps LastSeen.
type User struct {
	ID        string    `bson:"_id" json:"id"`
	Username  string    `bson:"username" json:"username"`
	Email     string    `bson:"email,omitempty" json:"email,omitempty"`
	IsActive  bool      `bson:"is_active" json:"is_active"`
	LastSeen  time.Time `bson:"last_seen,omitempty" json:"last_seen,omitempty"`
	CreatedAt time.Time `bson:"created_at,omitempty" json:"created_at,omitempty"`
}
