package signals

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process implementation of every feed. It backs tests and
// the dry-run mode of the server, and is safe for concurrent use.
type Memory struct {
	mu         sync.RWMutex
	stages     []StageChange
	scores     []ScoreSnapshot
	health     []HealthChange
	activities []Activity
	renewals   []Renewal
	incidents  []Incident
}

// NewMemory creates an empty Memory feed.
func NewMemory() *Memory {
	return &Memory{}
}

// Feeds returns m wired as every feed.
func (m *Memory) Feeds() Feeds {
	return Feeds{Stage: m, Score: m, Health: m, Activity: m, Renewal: m, Incident: m}
}

func (m *Memory) AddStageChange(c StageChange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages = append(m.stages, c)
}

func (m *Memory) AddScore(s ScoreSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores = append(m.scores, s)
}

func (m *Memory) AddHealthChange(h HealthChange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health = append(m.health, h)
}

func (m *Memory) AddActivity(a Activity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activities = append(m.activities, a)
}

func (m *Memory) AddRenewal(r Renewal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renewals = append(m.renewals, r)
}

func (m *Memory) AddIncident(i Incident) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents = append(m.incidents, i)
}

func (m *Memory) StageChanges(_ context.Context, since time.Time) ([]StageChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []StageChange
	for _, c := range m.stages {
		if !c.OccurredAt.Before(since) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) Scores(_ context.Context, since time.Time) ([]ScoreSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ScoreSnapshot
	for _, s := range m.scores {
		if !s.OccurredAt.Before(since) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) HealthChanges(_ context.Context, since time.Time) ([]HealthChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []HealthChange
	for _, h := range m.health {
		if !h.OccurredAt.Before(since) {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *Memory) Activities(_ context.Context, since time.Time) ([]Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Activity
	for _, a := range m.activities {
		if !a.OccurredAt.Before(since) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Memory) Renewals(_ context.Context, from, until time.Time) ([]Renewal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Renewal
	for _, r := range m.renewals {
		if !r.RenewsAt.Before(from) && !r.RenewsAt.After(until) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) Incidents(_ context.Context, since time.Time) ([]Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Incident
	for _, i := range m.incidents {
		if !i.OccurredAt.Before(since) {
			out = append(out, i)
		}
	}
	return out, nil
}

var (
	_ StageFeed    = (*Memory)(nil)
	_ ScoreFeed    = (*Memory)(nil)
	_ HealthFeed   = (*Memory)(nil)
	_ ActivityFeed = (*Memory)(nil)
	_ RenewalFeed  = (*Memory)(nil)
	_ IncidentFeed = (*Memory)(nil)
)
