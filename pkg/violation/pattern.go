package violation

import (
	"context"
	"fmt"
	"time"
)

// groupKey computes the aggregation key of a violation under the
// configured dimension.
func groupKey(dim Dimension, v *Violation) string {
	switch dim {
	case GroupByType:
		return string(v.Type)
	case GroupByActor:
		return v.Actor
	case GroupByResource:
		return v.Resource
	case GroupByTypeResource:
		return string(v.Type) + "|" + v.Resource
	default: // type+actor
		return string(v.Type) + "|" + v.Actor
	}
}

// checkPattern aggregates the tenant's violations in the rolling window
// that share the new violation's group key. A pattern fires exactly once,
// at the moment the count reaches the threshold.
func (d *Detector) checkPattern(ctx context.Context, v *Violation, now time.Time) (*Pattern, error) {
	since := now.Add(-d.cfg.AggregationWindow)
	recent, err := d.store.ListSince(ctx, v.TenantID, since)
	if err != nil {
		return nil, fmt.Errorf("violation: pattern query: %w", err)
	}

	key := groupKey(d.cfg.GroupBy, v)
	var members []*Violation
	for _, r := range recent {
		if groupKey(d.cfg.GroupBy, r) == key {
			members = append(members, r)
		}
	}

	if len(members) != d.cfg.PatternThreshold {
		return nil, nil
	}

	p := &Pattern{
		GroupKey:    key,
		Dimension:   d.cfg.GroupBy,
		TenantID:    v.TenantID,
		Count:       len(members),
		MaxSeverity: SeverityLow,
		FirstAt:     members[0].DetectedAt,
		LastAt:      members[len(members)-1].DetectedAt,
	}
	switch d.cfg.GroupBy {
	case GroupByType:
		p.Type = v.Type
	case GroupByActor:
		p.Actor = v.Actor
	case GroupByResource:
		p.Resource = v.Resource
	case GroupByTypeResource:
		p.Type = v.Type
		p.Resource = v.Resource
	default:
		p.Type = v.Type
		p.Actor = v.Actor
	}

	actors := make(map[string]bool)
	resources := make(map[string]bool)
	for _, m := range members {
		actors[m.Actor] = true
		if m.Resource != "" {
			resources[m.Resource] = true
		}
		p.MaxSeverity = MaxSeverity(p.MaxSeverity, m.Severity)
		if len(p.SampleIDs) < 5 {
			p.SampleIDs = append(p.SampleIDs, m.ID)
		}
	}
	p.UniqueActors = len(actors)
	p.UniqueResources = len(resources)
	return p, nil
}
