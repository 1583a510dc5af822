package signals

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rendis/cadence/pkg/schema"
)

// DefaultWindow is how far back a detection pass looks.
const DefaultWindow = 24 * time.Hour

// healthRank orders account health from best to worst.
var healthRank = map[string]int{
	"healthy":  0,
	"at_risk":  1,
	"critical": 2,
}

// HealthDegraded reports whether current is worse than previous. Unknown
// levels never count as degraded.
func HealthDegraded(previous, current string) bool {
	p, okP := healthRank[strings.ToLower(previous)]
	c, okC := healthRank[strings.ToLower(current)]
	return okP && okC && c > p
}

// Snapshot holds what every feed returned for one detection pass, so each
// feed is queried once and shared by all triggers of its kind.
type Snapshot struct {
	Now    time.Time
	Window time.Duration

	stages     []StageChange
	scores     []ScoreSnapshot
	health     []HealthChange
	activities []Activity
	renewals   []Renewal
	incidents  []Incident

	errs map[schema.ConditionKind]error
}

// Collect queries the feeds needed by triggers. A failing feed is recorded
// against its condition kinds and reported by Match; it never aborts the
// pass.
func (f Feeds) Collect(ctx context.Context, triggers []schema.Trigger, now time.Time, window time.Duration) *Snapshot {
	if window <= 0 {
		window = DefaultWindow
	}
	s := &Snapshot{Now: now, Window: window, errs: make(map[schema.ConditionKind]error)}
	since := now.Add(-window)

	needed := make(map[schema.ConditionKind]bool)
	maxRenewalDays := 0
	for _, t := range triggers {
		needed[t.Condition.Kind] = true
		if t.Condition.Kind == schema.ConditionRenewalWithin && t.Condition.Days > maxRenewalDays {
			maxRenewalDays = t.Condition.Days
		}
	}

	fail := func(err error, kinds ...schema.ConditionKind) {
		for _, k := range kinds {
			s.errs[k] = err
		}
	}

	if needed[schema.ConditionStageEnter] || needed[schema.ConditionStageExit] {
		kinds := []schema.ConditionKind{schema.ConditionStageEnter, schema.ConditionStageExit}
		if f.Stage == nil {
			fail(noFeed("stage"), kinds...)
		} else if data, err := f.Stage.StageChanges(ctx, since); err != nil {
			fail(err, kinds...)
		} else {
			s.stages = data
		}
	}
	if needed[schema.ConditionScoreBelow] {
		if f.Score == nil {
			fail(noFeed("score"), schema.ConditionScoreBelow)
		} else if data, err := f.Score.Scores(ctx, since); err != nil {
			fail(err, schema.ConditionScoreBelow)
		} else {
			s.scores = data
		}
	}
	if needed[schema.ConditionHealthDegraded] {
		if f.Health == nil {
			fail(noFeed("health"), schema.ConditionHealthDegraded)
		} else if data, err := f.Health.HealthChanges(ctx, since); err != nil {
			fail(err, schema.ConditionHealthDegraded)
		} else {
			s.health = data
		}
	}
	if needed[schema.ConditionActivityCreated] {
		if f.Activity == nil {
			fail(noFeed("activity"), schema.ConditionActivityCreated)
		} else if data, err := f.Activity.Activities(ctx, since); err != nil {
			fail(err, schema.ConditionActivityCreated)
		} else {
			s.activities = data
		}
	}
	if needed[schema.ConditionRenewalWithin] {
		// Forward-looking: one query covering the widest trigger.
		until := now.Add(time.Duration(maxRenewalDays) * 24 * time.Hour)
		if f.Renewal == nil {
			fail(noFeed("renewal"), schema.ConditionRenewalWithin)
		} else if data, err := f.Renewal.Renewals(ctx, now, until); err != nil {
			fail(err, schema.ConditionRenewalWithin)
		} else {
			s.renewals = data
		}
	}
	if needed[schema.ConditionIncidentSeverity] {
		if f.Incident == nil {
			fail(noFeed("incident"), schema.ConditionIncidentSeverity)
		} else if data, err := f.Incident.Incidents(ctx, since); err != nil {
			fail(err, schema.ConditionIncidentSeverity)
		} else {
			s.incidents = data
		}
	}
	return s
}

func noFeed(name string) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "no %s feed configured", name)
}

// Match returns the candidates for t, one per subject, ordered by subject.
// When a subject has several qualifying signals the most recent one wins.
// MANUAL triggers never match.
func (s *Snapshot) Match(t schema.Trigger) ([]schema.Signal, error) {
	if err := s.errs[t.Condition.Kind]; err != nil {
		return nil, err
	}
	c := t.Condition
	var out []schema.Signal

	switch c.Kind {
	case schema.ConditionStageEnter, schema.ConditionStageExit:
		for _, ch := range s.stages {
			if t.Pipeline != "" && ch.Pipeline != t.Pipeline {
				continue
			}
			stage := ch.To
			if c.Kind == schema.ConditionStageExit {
				stage = ch.From
			}
			if stage == c.Stage && ch.From != ch.To {
				out = append(out, withAttrs(ch.Signal, map[string]any{
					"pipeline": ch.Pipeline, "from": ch.From, "to": ch.To,
				}))
			}
		}
	case schema.ConditionScoreBelow:
		for _, sc := range s.scores {
			if sc.Score < c.Threshold {
				out = append(out, withAttrs(sc.Signal, map[string]any{"score": sc.Score}))
			}
		}
	case schema.ConditionHealthDegraded:
		for _, h := range s.health {
			if HealthDegraded(h.Previous, h.Current) {
				out = append(out, withAttrs(h.Signal, map[string]any{
					"previous": h.Previous, "current": h.Current,
				}))
			}
		}
	case schema.ConditionActivityCreated:
		for _, a := range s.activities {
			if strings.EqualFold(a.Type, c.Activity) {
				out = append(out, withAttrs(a.Signal, map[string]any{"activity": a.Type}))
			}
		}
	case schema.ConditionRenewalWithin:
		until := s.Now.Add(time.Duration(c.Days) * 24 * time.Hour)
		for _, r := range s.renewals {
			if !r.RenewsAt.Before(s.Now) && !r.RenewsAt.After(until) {
				out = append(out, withAttrs(r.Signal, map[string]any{
					"renews_at": r.RenewsAt.UTC().Format(time.RFC3339),
					"days_left": int(r.RenewsAt.Sub(s.Now).Hours() / 24),
				}))
			}
		}
	case schema.ConditionIncidentSeverity:
		floor := schema.IncidentRank(c.Level)
		for _, in := range s.incidents {
			if rank := schema.IncidentRank(in.Severity); rank >= 0 && rank >= floor {
				out = append(out, withAttrs(in.Signal, map[string]any{"severity": in.Severity}))
			}
		}
	case schema.ConditionManual:
		return nil, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown condition %q", c.Kind)
	}

	return latestPerSubject(out, t.SubjectKind), nil
}

// withAttrs copies sig with extra attributes merged over its own.
func withAttrs(sig schema.Signal, extra map[string]any) schema.Signal {
	attrs := make(map[string]any, len(sig.Attributes)+len(extra))
	for k, v := range sig.Attributes {
		attrs[k] = v
	}
	for k, v := range extra {
		attrs[k] = v
	}
	sig.Attributes = attrs
	return sig
}

func latestPerSubject(sigs []schema.Signal, kind schema.SubjectKind) []schema.Signal {
	latest := make(map[schema.SubjectRef]schema.Signal)
	for _, sig := range sigs {
		if kind != "" && sig.Subject.Kind != kind {
			continue
		}
		if cur, ok := latest[sig.Subject]; !ok || sig.OccurredAt.After(cur.OccurredAt) {
			latest[sig.Subject] = sig
		}
	}
	out := make([]schema.Signal, 0, len(latest))
	for _, sig := range latest {
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Subject.String() < out[j].Subject.String()
	})
	return out
}
