// Package signals defines the trigger sources the detector polls and the
// per-condition matching rules applied to what they return.
package signals

import (
	"context"
	"time"

	"github.com/rendis/cadence/pkg/schema"
)

// StageChange is a subject moving between pipeline stages.
type StageChange struct {
	schema.Signal
	Pipeline string
	From     string
	To       string
}

// ScoreSnapshot is a freshly computed subject score.
type ScoreSnapshot struct {
	schema.Signal
	Score float64
}

// HealthChange is an account health transition.
type HealthChange struct {
	schema.Signal
	Previous string
	Current  string
}

// Activity is a logged interaction such as a call, meeting or survey.
type Activity struct {
	schema.Signal
	Type string
}

// Renewal is an upcoming contract renewal date.
type Renewal struct {
	schema.Signal
	RenewsAt time.Time
}

// Incident is a reported customer incident.
type Incident struct {
	schema.Signal
	Severity string
}

// StageFeed returns stage transitions that happened at or after since.
type StageFeed interface {
	StageChanges(ctx context.Context, since time.Time) ([]StageChange, error)
}

// ScoreFeed returns score snapshots taken at or after since.
type ScoreFeed interface {
	Scores(ctx context.Context, since time.Time) ([]ScoreSnapshot, error)
}

// HealthFeed returns health transitions recorded at or after since.
type HealthFeed interface {
	HealthChanges(ctx context.Context, since time.Time) ([]HealthChange, error)
}

// ActivityFeed returns activities created at or after since.
type ActivityFeed interface {
	Activities(ctx context.Context, since time.Time) ([]Activity, error)
}

// RenewalFeed returns renewals falling within [from, until].
type RenewalFeed interface {
	Renewals(ctx context.Context, from, until time.Time) ([]Renewal, error)
}

// IncidentFeed returns incidents opened at or after since.
type IncidentFeed interface {
	Incidents(ctx context.Context, since time.Time) ([]Incident, error)
}

// Feeds groups the signal sources. Triggers whose feed is nil fail to
// match with VALIDATION_ERROR.
type Feeds struct {
	Stage    StageFeed
	Score    ScoreFeed
	Health   HealthFeed
	Activity ActivityFeed
	Renewal  RenewalFeed
	Incident IncidentFeed
}
