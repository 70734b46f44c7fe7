package models

import "time"

type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Privileged reports whether the role can manage sessions regardless of policy.
func (r Role) Privileged() bool {
	return r == RoleOwner || r == RoleAdmin
}

type Participant struct {
	ID          string    `bson:"_id" json:"-"`
	SessionID   string    `bson:"session_id" json:"session_id"`
	UserID      string    `bson:"user_id" json:"user_id"`
	DisplayName string    `bson:"display_name" json:"display_name"`
	Role        Role      `bson:"role" json:"role"`
	Online      bool      `bson:"online" json:"online"`
	EverOnline  bool      `bson:"ever_online" json:"ever_online"`
	JoinedAt    time.Time `bson:"joined_at" json:"joined_at"`
	LastSeen    time.Time `bson:"last_seen" json:"last_seen"`
}

// Key builds the composite document id shared by per-participant collections.
func Key(sessionID, userID string) string {
	return sessionID + ":" + userID
}
