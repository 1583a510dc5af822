package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rendis/cadence/pkg/schema"
)

// MemoryStore is a process-local Store with the same conditional-write
// semantics as the SQL backends. Timestamps are kept at millisecond
// precision like the libSQL schema. It serves tests and dry runs; nothing
// survives a restart.
type MemoryStore struct {
	mu     sync.Mutex
	runs   map[string]*Run
	events map[string][]*Event
	nextID int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[string]*Run),
		events: make(map[string][]*Event),
	}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }

func (s *MemoryStore) InsertRunIfAbsent(_ context.Context, run *Run) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return false, nil
	}
	if s.openRunLocked(run.DefinitionCode, run.Subject) != nil && run.Status.Open() {
		return false, nil
	}
	r := copyRun(run)
	r.CreatedAt = ms(timeOrNow(run.CreatedAt))
	r.UpdatedAt = ms(timeOrNow(run.UpdatedAt))
	if r.StepResults == nil {
		r.StepResults = []schema.StepResult{}
	}
	s.runs[r.ID] = r
	return true, nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, storeNotFound("run", id)
	}
	return copyRun(r), nil
}

func (s *MemoryStore) FindOpenRun(_ context.Context, definitionCode string, subject schema.SubjectRef) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.openRunLocked(definitionCode, subject); r != nil {
		return copyRun(r), nil
	}
	return nil, nil
}

func (s *MemoryStore) openRunLocked(definitionCode string, subject schema.SubjectRef) *Run {
	for _, r := range s.runs {
		if r.DefinitionCode == definitionCode && r.Subject == subject && r.Status.Open() {
			return r
		}
	}
	return nil
}

func (s *MemoryStore) LatestRun(_ context.Context, definitionCode string, subject schema.SubjectRef) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *Run
	for _, r := range s.runs {
		if r.DefinitionCode != definitionCode || r.Subject != subject {
			continue
		}
		if latest == nil || r.StartedAt.After(latest.StartedAt) ||
			(r.StartedAt.Equal(latest.StartedAt) && r.CreatedAt.After(latest.CreatedAt)) {
			latest = r
		}
	}
	if latest == nil {
		return nil, nil
	}
	return copyRun(latest), nil
}

func (s *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Run
	for _, r := range s.runs {
		if filter.Subject != nil && r.Subject != *filter.Subject {
			continue
		}
		if filter.DefinitionCode != "" && r.DefinitionCode != filter.DefinitionCode {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, copyRun(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Limit > 0 {
		start := min(filter.Offset, len(out))
		end := min(start+filter.Limit, len(out))
		out = out[start:end]
	}
	return out, nil
}

func (s *MemoryStore) ListDueRuns(_ context.Context, now time.Time, limit int) ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now = ms(now)
	var out []*Run
	for _, r := range s.runs {
		if s.claimableLocked(r, now) {
			out = append(out, copyRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextStepAt.Equal(*out[j].NextStepAt) {
			return out[i].NextStepAt.Before(*out[j].NextStepAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) claimableLocked(r *Run, now time.Time) bool {
	return r.Status == schema.RunStatusActive &&
		r.NextStepAt != nil && !r.NextStepAt.After(now) &&
		(r.ClaimedUntil == nil || !r.ClaimedUntil.After(now))
}

func (s *MemoryStore) ClaimRun(_ context.Context, c Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[c.RunID]
	now := ms(c.Now)
	if !ok || r.CurrentStep != c.ExpectStep || !s.claimableLocked(r, now) {
		return claimConflict(c.RunID, c.ExpectStep)
	}
	until := ms(c.Until)
	r.ClaimToken = c.Token
	r.ClaimedUntil = &until
	r.UpdatedAt = now
	return nil
}

func (s *MemoryStore) AdvanceRun(_ context.Context, a Advance) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[a.RunID]
	if !ok || r.CurrentStep != a.ExpectStep || r.ClaimToken == "" || r.ClaimToken != a.Token {
		return nil, advanceConflict(a)
	}
	now := ms(a.Now)
	result := a.Result
	result.ExecutedAt = ms(result.ExecutedAt)

	if r.Status != schema.RunStatusCancelled {
		r.CurrentStep++
	}
	r.StepResults = append(r.StepResults, result)
	switch {
	case r.Status == schema.RunStatusCancelled:
		r.NextStepAt = nil
	case r.Status == schema.RunStatusActive && a.Complete:
		r.Status = schema.RunStatusCompleted
		r.NextStepAt = nil
		r.CompletedAt = &now
	default:
		next := ms(a.NextStepAt)
		if a.Complete {
			next = now
		}
		r.NextStepAt = &next
	}
	r.ClaimToken = ""
	r.ClaimedUntil = nil
	r.UpdatedAt = now
	return copyRun(r), nil
}

func (s *MemoryStore) TransitionRun(_ context.Context, t Transition) (*Run, error) {
	if len(t.From) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "transition needs at least one source status")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[t.RunID]
	if !ok {
		return nil, storeNotFound("run", t.RunID)
	}
	if !slices.Contains(t.From, r.Status) {
		return nil, transitionConflict(t, r.Status)
	}
	now := ms(t.Now)

	r.Status = t.To
	switch {
	case t.To.Terminal():
		r.NextStepAt = nil
	case t.To == schema.RunStatusActive && (r.NextStepAt == nil || r.NextStepAt.Before(now)):
		r.NextStepAt = &now
	}
	if t.To == schema.RunStatusCompleted {
		r.CompletedAt = &now
	}
	if t.CancelReason != "" {
		r.CancelReason = t.CancelReason
	}
	r.UpdatedAt = now
	return copyRun(r), nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[event.RunID]; !ok {
		return storeErr("insert event", storeNotFound("run", event.RunID))
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	s.nextID++
	event.ID = s.nextID
	event.Sequence = int64(len(s.events[event.RunID]) + 1)

	stored := *event
	stored.Timestamp = ms(event.Timestamp)
	stored.Payload = slices.Clone(event.Payload)
	s.events[event.RunID] = append(s.events[event.RunID], &stored)
	return nil
}

func (s *MemoryStore) GetEvents(_ context.Context, runID string, since int64) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Event
	for _, e := range s.events[runID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func ms(t time.Time) time.Time { return t.Truncate(time.Millisecond).UTC() }

func msPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := ms(*t)
	return &v
}

func copyRun(r *Run) *Run {
	cp := *r
	cp.StepResults = slices.Clone(r.StepResults)
	cp.NextStepAt = msPtr(r.NextStepAt)
	cp.CompletedAt = msPtr(r.CompletedAt)
	cp.ClaimedUntil = msPtr(r.ClaimedUntil)
	cp.StartedAt = ms(r.StartedAt)
	return &cp
}

var _ Store = (*MemoryStore)(nil)
