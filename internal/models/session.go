package models

import "time"

type SessionStatus string

const (
	StatusScheduled SessionStatus = "scheduled"
	StatusLobby     SessionStatus = "lobby"
	StatusStarting  SessionStatus = "starting"
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusCanceled  SessionStatus = "canceled"
)

// statusOrder is the forward order of the lifecycle. Canceled sits outside it.
var statusOrder = map[SessionStatus]int{
	StatusScheduled: 0,
	StatusLobby:     1,
	StatusStarting:  2,
	StatusActive:    3,
	StatusCompleted: 4,
}

// Terminal reports whether no further transition is possible.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

func (s SessionStatus) Valid() bool {
	_, ok := statusOrder[s]
	return ok || s == StatusCanceled
}

// CanTransition reports whether moving from s to next respects the lifecycle.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusCanceled {
		return true
	}
	from, ok := statusOrder[s]
	if !ok {
		return false
	}
	to, ok := statusOrder[next]
	return ok && to == from+1
}

type RetakePolicy string

const (
	RetakeNone      RetakePolicy = "none"
	RetakeOverwrite RetakePolicy = "overwrite"
)

type StartPolicy string

const (
	StartAdminOnly        StartPolicy = "admin_only"
	StartCreatorCanStart  StartPolicy = "creator_can_start"
	StartApprovalRequired StartPolicy = "approval_required"
)

type CompletionReason string

const (
	CompletedAllSubmitted CompletionReason = "all_submitted"
	CompletedTimeLimit    CompletionReason = "time_limit"
	CompletedForced       CompletionReason = "forced"
)

type SessionSettings struct {
	ShuffleQuestions      bool         `bson:"shuffle_questions" json:"shuffle_questions"`
	ShuffleOptions        bool         `bson:"shuffle_options" json:"shuffle_options"`
	TimeLimitSeconds      int          `bson:"time_limit_seconds" json:"time_limit_seconds" validate:"gte=0"`
	RetakePolicy          RetakePolicy `bson:"retake_policy" json:"retake_policy" validate:"omitempty,oneof=none overwrite"`
	MaxConcurrentSessions int          `bson:"max_concurrent_sessions" json:"max_concurrent_sessions" validate:"gte=0"`
	TotalQuestions        int          `bson:"total_questions" json:"total_questions" validate:"gte=0"`
	StartPolicy           StartPolicy  `bson:"start_policy" json:"start_policy" validate:"omitempty,oneof=admin_only creator_can_start approval_required"`
}

// TimeLimit returns the configured limit, zero meaning unlimited.
func (s SessionSettings) TimeLimit() time.Duration {
	return time.Duration(s.TimeLimitSeconds) * time.Second
}

type Session struct {
	ID               string           `bson:"_id" json:"id"`
	GroupID          string           `bson:"group_id" json:"group_id" validate:"required"`
	Title            string           `bson:"title" json:"title" validate:"required"`
	Status           SessionStatus    `bson:"status" json:"status"`
	ScheduledAt      *time.Time       `bson:"scheduled_at,omitempty" json:"scheduled_at,omitempty"`
	CreatedBy        string           `bson:"created_by" json:"created_by"`
	StartedBy        string           `bson:"started_by,omitempty" json:"started_by,omitempty"`
	CountdownEndsAt  *time.Time       `bson:"countdown_ends_at,omitempty" json:"countdown_ends_at,omitempty"`
	StartedAt        *time.Time       `bson:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt      *time.Time       `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
	CompletionReason CompletionReason `bson:"completion_reason,omitempty" json:"completion_reason,omitempty"`
	Settings         SessionSettings  `bson:"settings" json:"settings"`
	CreatedAt        time.Time        `bson:"created_at" json:"created_at"`
	UpdatedAt        time.Time        `bson:"updated_at" json:"updated_at"`
}

// SessionPatch lists the fields a transition may set alongside the status.
type SessionPatch struct {
	StartedBy        string
	CountdownEndsAt  *time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	CompletionReason CompletionReason
}

// Apply copies the non-zero patch fields onto s.
func (p SessionPatch) Apply(s *Session) {
	if p.StartedBy != "" {
		s.StartedBy = p.StartedBy
	}
	if p.CountdownEndsAt != nil {
		s.CountdownEndsAt = p.CountdownEndsAt
	}
	if p.StartedAt != nil {
		s.StartedAt = p.StartedAt
	}
	if p.CompletedAt != nil {
		s.CompletedAt = p.CompletedAt
	}
	if p.CompletionReason != "" {
		s.CompletionReason = p.CompletionReason
	}
}
