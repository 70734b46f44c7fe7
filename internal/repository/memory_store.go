package repository

import (
	"context"
	"iter"
	"slices"
	"sort"
	"sync"
	"time"

	"live-quiz-service/internal/models"
)

// MemoryStore keeps every collection in process. It backs tests and the
// service when MONGO_URI is not configured.
type MemoryStore struct {
	mu           sync.Mutex
	sessions     map[string]models.Session
	participants map[string]models.Participant
	progress     map[string]models.ProgressRecord
	events       []models.ProgressEvent
	results      map[string]models.QuizResult
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:     make(map[string]models.Session),
		participants: make(map[string]models.Participant),
		progress:     make(map[string]models.ProgressRecord),
		results:      make(map[string]models.QuizResult),
	}
}

// Store exposes the memory store through the collection interfaces.
func (m *MemoryStore) Store() *Store {
	return &Store{
		Sessions:     memorySessions{m},
		Participants: memoryParticipants{m},
		Progress:     memoryProgress{m},
		Events:       memoryEvents{m},
		Results:      memoryResults{m},
	}
}

type memorySessions struct{ m *MemoryStore }

func (s memorySessions) Create(_ context.Context, session *models.Session) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.sessions[session.ID] = *session
	return nil
}

func (s memorySessions) FindByID(_ context.Context, id string) (*models.Session, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	session, ok := s.m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &session, nil
}

func (s memorySessions) CompareAndSwapStatus(_ context.Context, id string, from, to models.SessionStatus, patch models.SessionPatch) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	session, ok := s.m.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if session.Status != from {
		return false, nil
	}
	session.Status = to
	session.UpdatedAt = time.Now().UTC()
	patch.Apply(&session)
	s.m.sessions[id] = session
	return true, nil
}

func (s memorySessions) ListByStatus(_ context.Context, statuses ...models.SessionStatus) ([]models.Session, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []models.Session
	for _, session := range s.m.sessions {
		if slices.Contains(statuses, session.Status) {
			out = append(out, session)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s memorySessions) CountOpenByGroup(_ context.Context, groupID string) (int64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var n int64
	for _, session := range s.m.sessions {
		if session.GroupID == groupID && !session.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

type memoryParticipants struct{ m *MemoryStore }

func (p memoryParticipants) FindByID(_ context.Context, sessionID, userID string) (*models.Participant, error) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	participant, ok := p.m.participants[models.Key(sessionID, userID)]
	if !ok {
		return nil, ErrNotFound
	}
	return &participant, nil
}

func (p memoryParticipants) Join(_ context.Context, in *models.Participant) (*models.Participant, error) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	key := models.Key(in.SessionID, in.UserID)
	stored, ok := p.m.participants[key]
	if !ok {
		stored = models.Participant{
			ID:        key,
			SessionID: in.SessionID,
			UserID:    in.UserID,
			Role:      in.Role,
			JoinedAt:  in.JoinedAt,
		}
	}
	stored.DisplayName = in.DisplayName
	stored.Online = true
	stored.EverOnline = true
	stored.LastSeen = in.LastSeen
	p.m.participants[key] = stored
	return &stored, nil
}

func (p memoryParticipants) MarkPresence(_ context.Context, sessionID, userID string, online bool, at time.Time) (*models.Participant, error) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	key := models.Key(sessionID, userID)
	before, ok := p.m.participants[key]
	if !ok {
		return nil, ErrNotFound
	}
	after := before
	after.Online = online
	after.LastSeen = at
	if online {
		after.EverOnline = true
	}
	p.m.participants[key] = after
	return &before, nil
}

func (p memoryParticipants) ListBySession(_ context.Context, sessionID string) ([]models.Participant, error) {
	return p.filter(func(participant models.Participant) bool { return participant.SessionID == sessionID }), nil
}

func (p memoryParticipants) ListOnline(_ context.Context) ([]models.Participant, error) {
	return p.filter(func(participant models.Participant) bool { return participant.Online }), nil
}

func (p memoryParticipants) filter(keep func(models.Participant) bool) []models.Participant {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	var out []models.Participant
	for _, participant := range p.m.participants {
		if keep(participant) {
			out = append(out, participant)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

type memoryProgress struct{ m *MemoryStore }

func (p memoryProgress) FindByID(_ context.Context, sessionID, userID string) (*models.ProgressRecord, error) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	record, ok := p.m.progress[models.Key(sessionID, userID)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneProgress(record), nil
}

func (p memoryProgress) Upsert(_ context.Context, record *models.ProgressRecord) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	record.ID = models.Key(record.SessionID, record.UserID)
	p.m.progress[record.ID] = *cloneProgress(*record)
	return nil
}

func (p memoryProgress) ListBySession(_ context.Context, sessionID string) ([]models.ProgressRecord, error) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	var out []models.ProgressRecord
	for _, record := range p.m.progress {
		if record.SessionID == sessionID {
			out = append(out, *cloneProgress(record))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneProgress(r models.ProgressRecord) *models.ProgressRecord {
	if r.ConfidenceLevel != nil {
		c := *r.ConfidenceLevel
		r.ConfidenceLevel = &c
	}
	return &r
}

type memoryEvents struct{ m *MemoryStore }

func (e memoryEvents) Append(_ context.Context, event *models.ProgressEvent) error {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	e.m.events = append(e.m.events, *event)
	return nil
}

func (e memoryEvents) Stream(ctx context.Context, sessionID, userID string) iter.Seq2[models.ProgressEvent, error] {
	return func(yield func(models.ProgressEvent, error) bool) {
		e.m.mu.Lock()
		var matched []models.ProgressEvent
		for _, ev := range e.m.events {
			if ev.SessionID == sessionID && (userID == "" || ev.UserID == userID) {
				matched = append(matched, ev)
			}
		}
		e.m.mu.Unlock()

		sort.SliceStable(matched, func(i, j int) bool {
			if matched[i].Timestamp.Equal(matched[j].Timestamp) {
				return matched[i].ID < matched[j].ID
			}
			return matched[i].Timestamp.Before(matched[j].Timestamp)
		})
		for _, ev := range matched {
			if err := ctx.Err(); err != nil {
				yield(models.ProgressEvent{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

type memoryResults struct{ m *MemoryStore }

func (r memoryResults) FindByID(_ context.Context, sessionID, userID string) (*models.QuizResult, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	result, ok := r.m.results[models.Key(sessionID, userID)]
	if !ok {
		return nil, ErrNotFound
	}
	return &result, nil
}

func (r memoryResults) Insert(_ context.Context, result *models.QuizResult) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	result.ID = models.Key(result.SessionID, result.UserID)
	if _, exists := r.m.results[result.ID]; exists {
		return false, nil
	}
	r.m.results[result.ID] = *result
	return true, nil
}

func (r memoryResults) Upsert(_ context.Context, result *models.QuizResult) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	result.ID = models.Key(result.SessionID, result.UserID)
	r.m.results[result.ID] = *result
	return nil
}

func (r memoryResults) ListBySession(_ context.Context, sessionID string) ([]models.QuizResult, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []models.QuizResult
	for _, result := range r.m.results {
		if result.SessionID == sessionID {
			out = append(out, result)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
