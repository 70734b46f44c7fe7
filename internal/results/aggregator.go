package results

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"live-quiz-service/internal/models"
	"live-quiz-service/internal/repository"
)

// Aggregator computes session summaries from stored results. It never
// writes.
type Aggregator struct {
	participants repository.Participants
	results      repository.Results
}

func NewAggregator(participants repository.Participants, results repository.Results) *Aggregator {
	return &Aggregator{participants: participants, results: results}
}

func (a *Aggregator) Summarize(ctx context.Context, session *models.Session) (*models.ResultSummary, error) {
	participants, err := a.participants.ListBySession(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("error listing participants: %w", err)
	}
	stored, err := a.results.ListBySession(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("error listing results: %w", err)
	}
	return Summarize(session, participants, stored), nil
}

type entry struct {
	result   models.QuizResult
	name     string
	joinedAt time.Time
	joined   bool
}

// Summarize builds the summary. Participants count when they were ever
// online or hold a result; a result without a participant row ranks after
// every participant with the same score and time.
func Summarize(session *models.Session, participants []models.Participant, stored []models.QuizResult) *models.ResultSummary {
	byUser := make(map[string]models.Participant, len(participants))
	counted := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		byUser[p.UserID] = p
		if p.EverOnline {
			counted[p.UserID] = struct{}{}
		}
	}

	entries := make([]entry, 0, len(stored))
	var total, highest float64
	for i, r := range stored {
		counted[r.UserID] = struct{}{}
		total += r.Score
		if i == 0 || r.Score > highest {
			highest = r.Score
		}
		e := entry{result: r}
		if p, ok := byUser[r.UserID]; ok {
			e.name, e.joinedAt, e.joined = p.DisplayName, p.JoinedAt, true
		}
		entries = append(entries, e)
	}

	slices.SortStableFunc(entries, rankOrder)

	summary := &models.ResultSummary{
		SessionID:        session.ID,
		Status:           session.Status,
		ParticipantCount: len(counted),
		CompletedCount:   len(stored),
		HighestScore:     highest,
		Ranking:          make([]models.RankedResult, 0, len(entries)),
	}
	if len(stored) > 0 {
		summary.AverageScore = total / float64(len(stored))
	}
	if summary.ParticipantCount > 0 {
		summary.CompletionRate = float64(summary.CompletedCount) / float64(summary.ParticipantCount)
	}

	for i, e := range entries {
		summary.Ranking = append(summary.Ranking, models.RankedResult{
			Rank:             i + 1,
			UserID:           e.result.UserID,
			DisplayName:      e.name,
			Score:            e.result.Score,
			CorrectAnswers:   e.result.CorrectAnswers,
			TotalQuestions:   e.result.TotalQuestions,
			TimeTakenSeconds: e.result.TimeTakenSeconds,
		})
	}
	return summary
}

// rankOrder sorts by score desc, time taken asc, then join order asc.
func rankOrder(a, b entry) int {
	if c := cmp.Compare(b.result.Score, a.result.Score); c != 0 {
		return c
	}
	if c := cmp.Compare(a.result.TimeTakenSeconds, b.result.TimeTakenSeconds); c != 0 {
		return c
	}
	switch {
	case a.joined && !b.joined:
		return -1
	case !a.joined && b.joined:
		return 1
	}
	if c := a.joinedAt.Compare(b.joinedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.result.UserID, b.result.UserID)
}
