package crm

import (
	"context"
	"net/url"
	"time"

	"github.com/rendis/cadence/internal/signals"
	"github.com/rendis/cadence/pkg/schema"
)

// signalDTO is the common part of every feed item.
type signalDTO struct {
	Subject    subjectBody    `json:"subject"`
	Tenant     string         `json:"tenant"`
	OccurredAt time.Time      `json:"occurred_at"`
	Attributes map[string]any `json:"attributes"`
}

func (d signalDTO) signal() schema.Signal {
	return schema.Signal{
		Subject:    schema.SubjectRef{Kind: d.Subject.Kind, ID: d.Subject.ID},
		Tenant:     d.Tenant,
		OccurredAt: d.OccurredAt.UTC(),
		Attributes: d.Attributes,
	}
}

type page[T any] struct {
	Items []T `json:"items"`
}

func (c *Client) feed(ctx context.Context, name string, q url.Values, out any) error {
	return c.do(ctx, "GET", "/signals/"+name, q, nil, out)
}

func since(t time.Time) url.Values {
	return url.Values{"since": {t.UTC().Format(time.RFC3339)}}
}

// StageChanges implements signals.StageFeed.
func (c *Client) StageChanges(ctx context.Context, from time.Time) ([]signals.StageChange, error) {
	var p page[struct {
		signalDTO
		Pipeline string `json:"pipeline"`
		From     string `json:"from"`
		To       string `json:"to"`
	}]
	if err := c.feed(ctx, "stage-changes", since(from), &p); err != nil {
		return nil, err
	}
	out := make([]signals.StageChange, 0, len(p.Items))
	for _, it := range p.Items {
		out = append(out, signals.StageChange{Signal: it.signal(), Pipeline: it.Pipeline, From: it.From, To: it.To})
	}
	return out, nil
}

// Scores implements signals.ScoreFeed.
func (c *Client) Scores(ctx context.Context, from time.Time) ([]signals.ScoreSnapshot, error) {
	var p page[struct {
		signalDTO
		Score float64 `json:"score"`
	}]
	if err := c.feed(ctx, "scores", since(from), &p); err != nil {
		return nil, err
	}
	out := make([]signals.ScoreSnapshot, 0, len(p.Items))
	for _, it := range p.Items {
		out = append(out, signals.ScoreSnapshot{Signal: it.signal(), Score: it.Score})
	}
	return out, nil
}

// HealthChanges implements signals.HealthFeed.
func (c *Client) HealthChanges(ctx context.Context, from time.Time) ([]signals.HealthChange, error) {
	var p page[struct {
		signalDTO
		Previous string `json:"previous"`
		Current  string `json:"current"`
	}]
	if err := c.feed(ctx, "health-changes", since(from), &p); err != nil {
		return nil, err
	}
	out := make([]signals.HealthChange, 0, len(p.Items))
	for _, it := range p.Items {
		out = append(out, signals.HealthChange{Signal: it.signal(), Previous: it.Previous, Current: it.Current})
	}
	return out, nil
}

// Activities implements signals.ActivityFeed.
func (c *Client) Activities(ctx context.Context, from time.Time) ([]signals.Activity, error) {
	var p page[struct {
		signalDTO
		Type string `json:"type"`
	}]
	if err := c.feed(ctx, "activities", since(from), &p); err != nil {
		return nil, err
	}
	out := make([]signals.Activity, 0, len(p.Items))
	for _, it := range p.Items {
		out = append(out, signals.Activity{Signal: it.signal(), Type: it.Type})
	}
	return out, nil
}

// Renewals implements signals.RenewalFeed.
func (c *Client) Renewals(ctx context.Context, from, until time.Time) ([]signals.Renewal, error) {
	var p page[struct {
		signalDTO
		RenewsAt time.Time `json:"renews_at"`
	}]
	q := url.Values{
		"from":  {from.UTC().Format(time.RFC3339)},
		"until": {until.UTC().Format(time.RFC3339)},
	}
	if err := c.feed(ctx, "renewals", q, &p); err != nil {
		return nil, err
	}
	out := make([]signals.Renewal, 0, len(p.Items))
	for _, it := range p.Items {
		out = append(out, signals.Renewal{Signal: it.signal(), RenewsAt: it.RenewsAt.UTC()})
	}
	return out, nil
}

// Incidents implements signals.IncidentFeed.
func (c *Client) Incidents(ctx context.Context, from time.Time) ([]signals.Incident, error) {
	var p page[struct {
		signalDTO
		Severity string `json:"severity"`
	}]
	if err := c.feed(ctx, "incidents", since(from), &p); err != nil {
		return nil, err
	}
	out := make([]signals.Incident, 0, len(p.Items))
	for _, it := range p.Items {
		out = append(out, signals.Incident{Signal: it.signal(), Severity: it.Severity})
	}
	return out, nil
}

// Feeds returns every signal feed backed by c.
func (c *Client) Feeds() signals.Feeds {
	return signals.Feeds{
		Stage:    c,
		Score:    c,
		Health:   c,
		Activity: c,
		Renewal:  c,
		Incident: c,
	}
}
