package progress

import (
	"live-quiz-service/internal/apperr"
	"live-quiz-service/internal/models"
)

type Answer struct {
	QuestionIndex int    `json:"question_index" validate:"gte=0"`
	QuestionID    string `json:"question_id" validate:"max=128"`
	Value         string `json:"answer" validate:"max=4096"`
	Correct       bool   `json:"correct"`
}

// Delta is a partial progress update sent by a participant's client.
type Delta struct {
	CurrentQuestionIndex *int    `json:"current_question_index,omitempty" validate:"omitempty,gte=0"`
	Answer               *Answer `json:"answer,omitempty"`
	TimeSpentSeconds     *int    `json:"time_spent_seconds,omitempty" validate:"omitempty,gte=0"`
	Confidence           *int    `json:"confidence,omitempty" validate:"omitempty,min=1,max=5"`
	Completed            bool    `json:"completed,omitempty"`

	// pendingIndex is a deferred index folded into an immediate write. It
	// only ever raises the stored index.
	pendingIndex *int
}

// Immediate reports whether the update must be written without delay.
func (d Delta) Immediate() bool {
	return d.Answer != nil || d.Completed
}

// Empty reports whether the update carries nothing to persist.
func (d Delta) Empty() bool {
	return d.CurrentQuestionIndex == nil && d.Answer == nil && d.TimeSpentSeconds == nil && d.Confidence == nil && !d.Completed
}

// mergeDeferred folds next over prev, later values winning field by field.
func mergeDeferred(prev, next Delta) Delta {
	out := prev
	if next.CurrentQuestionIndex != nil {
		out.CurrentQuestionIndex = next.CurrentQuestionIndex
	}
	if next.TimeSpentSeconds != nil {
		out.TimeSpentSeconds = next.TimeSpentSeconds
	}
	if next.Confidence != nil {
		out.Confidence = next.Confidence
	}
	if next.Answer != nil {
		out.Answer = next.Answer
	}
	out.Completed = prev.Completed || next.Completed
	return out
}

// foldPending folds a pending deferred update under an immediate one. The
// deferred index may be stale, so it is carried as raise-only.
func foldPending(pending, immediate Delta) Delta {
	out := immediate
	if out.TimeSpentSeconds == nil {
		out.TimeSpentSeconds = pending.TimeSpentSeconds
	}
	if out.Confidence == nil {
		out.Confidence = pending.Confidence
	}
	out.pendingIndex = pending.CurrentQuestionIndex
	out.Completed = pending.Completed || immediate.Completed
	return out
}

type class string

const (
	classImmediate class = "immediate"
	classDeferred  class = "deferred"
)

// advance applies d to rec and returns the next record. Index regressions on
// the immediate path are conflicts; on the deferred path a stale index is
// ignored because a newer immediate write may have landed first.
func advance(rec *models.ProgressRecord, d Delta, totalQuestions int, c class) (*models.ProgressRecord, error) {
	const op = "progress.advance"
	next := *rec

	if d.Answer != nil {
		if rec.Completed {
			return nil, apperr.E(apperr.Conflict, op, "participant already completed the session")
		}
		idx := d.Answer.QuestionIndex
		if idx < rec.CurrentQuestionIndex {
			return nil, apperr.E(apperr.Conflict, op, "question already answered")
		}
		if totalQuestions > 0 && idx >= totalQuestions {
			return nil, apperr.E(apperr.ValidationFailure, op, "question index beyond the end of the quiz")
		}
		if totalQuestions > 0 && rec.TotalAnswered >= totalQuestions {
			return nil, apperr.E(apperr.ValidationFailure, op, "all questions already answered")
		}
		next.TotalAnswered++
		if d.Answer.Correct {
			next.CorrectAnswers++
		}
		next.CurrentQuestionIndex = idx + 1
	}

	if d.CurrentQuestionIndex != nil {
		v := *d.CurrentQuestionIndex
		if totalQuestions > 0 && v > totalQuestions {
			return nil, apperr.E(apperr.ValidationFailure, op, "question index beyond the end of the quiz")
		}
		if v < rec.CurrentQuestionIndex && c == classImmediate {
			return nil, apperr.E(apperr.Conflict, op, "question index cannot move backwards")
		}
		if v > next.CurrentQuestionIndex {
			next.CurrentQuestionIndex = v
		}
	}

	if d.pendingIndex != nil {
		v := *d.pendingIndex
		if v > next.CurrentQuestionIndex && (totalQuestions == 0 || v <= totalQuestions) {
			next.CurrentQuestionIndex = v
		}
	}

	if d.TimeSpentSeconds != nil && *d.TimeSpentSeconds > next.TimeSpentSeconds {
		next.TimeSpentSeconds = *d.TimeSpentSeconds
	}
	if d.Confidence != nil {
		level := *d.Confidence
		next.ConfidenceLevel = &level
	}
	next.Completed = rec.Completed || d.Completed

	return &next, nil
}
