package permission

import (
	"context"
	"errors"
	"fmt"

	"live-quiz-service/internal/models"
	"live-quiz-service/internal/repository"
)

// Checker decides whether an actor may start, force-complete or cancel a
// session.
type Checker interface {
	CanManage(ctx context.Context, actor models.Actor, session *models.Session) (bool, error)
}

// PolicyChecker applies the group start policy carried on the session. The
// actor's role comes from its identity claims, or from its participant row
// when the claims carry none. An owner participant row outranks the claims.
type PolicyChecker struct {
	participants repository.Participants
}

func NewPolicyChecker(participants repository.Participants) *PolicyChecker {
	return &PolicyChecker{participants: participants}
}

func (c *PolicyChecker) CanManage(ctx context.Context, actor models.Actor, session *models.Session) (bool, error) {
	if actor.UserID == "" {
		return false, nil
	}

	role := actor.Role
	if c.participants != nil {
		p, err := c.participants.FindByID(ctx, session.ID, actor.UserID)
		switch {
		case err == nil:
			if role == "" || p.Role == models.RoleOwner {
				role = p.Role
			}
		case !errors.Is(err, repository.ErrNotFound):
			return false, fmt.Errorf("error loading participant role: %w", err)
		}
	}

	switch session.Settings.StartPolicy {
	case models.StartApprovalRequired:
		return role == models.RoleOwner, nil
	case models.StartCreatorCanStart:
		return role.Privileged() || session.CreatedBy == actor.UserID, nil
	default:
		return role.Privileged(), nil
	}
}
