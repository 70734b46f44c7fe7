package models

// Actor is the authenticated caller of an operation.
type Actor struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}
