// Package consensus decides whether independent sources agree on the
// outcome of an external event.
package consensus

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Mindburn-Labs/promoverify/pkg/canonicalize"
)

// Status is the verdict of a Policy.
type Status string

const (
	// Confirmed means at least MinSources sources agree and no other group
	// of sources is as large.
	Confirmed Status = "CONFIRMED"
	// Insufficient means agreement may still be reached once more sources
	// report.
	Insufficient Status = "INSUFFICIENT"
	// Disputed means the reports conflict in a way more data cannot fix.
	Disputed Status = "DISPUTED"
)

var ErrNoObservations = errors.New("consensus: no observations")

// Observation is one source's normalised view of an event.
type Observation struct {
	Source  string         `json:"source"`
	EventID string         `json:"eventId"`
	Fields  map[string]any `json:"fields"`
	// EvidenceHash is the digest of the raw snapshot the fields came from.
	EvidenceHash string    `json:"evidenceHash"`
	ObservedAt   time.Time `json:"observedAt"`
}

// Policy is the agreement rule: sources agree when the canonical forms of
// their KeyFields are identical.
type Policy struct {
	// MinSources is how many sources must agree. Values below 1 mean 2.
	MinSources int `yaml:"min_sources" json:"min_sources"`
	// KeyFields are compared across sources. Empty compares every field.
	KeyFields []string `yaml:"key_fields" json:"key_fields"`
	// Unanimous disputes the outcome when any source disagrees with the
	// winning group.
	Unanimous bool `yaml:"unanimous" json:"unanimous"`
}

func DefaultPolicy() Policy {
	return Policy{MinSources: 2}
}

func (p Policy) minSources() int {
	if p.MinSources < 1 {
		return 2
	}
	return p.MinSources
}

// Result is a verdict plus the data it was reached on.
type Result struct {
	Status Status `json:"status"`
	// Agreed holds the key fields of the winning group.
	Agreed map[string]any `json:"agreed,omitempty"`
	// Sources and Observations are the winning group, ordered by source name.
	Sources      []string      `json:"sources,omitempty"`
	Observations []Observation `json:"-"`
	Dissenting   []string      `json:"dissenting,omitempty"`
	// Incomplete lists sources whose report lacks a key field.
	Incomplete []string `json:"incomplete,omitempty"`
	Reason     string   `json:"reason"`
}

type group struct {
	key     string
	agreed  map[string]any
	members []Observation
}

// Evaluate applies the policy to obs. expected is the number of sources that
// were asked; when every one of them has reported, a shortfall is final and
// reported as Disputed. Zero means unknown.
func (p Policy) Evaluate(obs []Observation, expected int) (Result, error) {
	if len(obs) == 0 {
		return Result{Status: Insufficient, Reason: "no source has reported yet"}, nil
	}

	bySource := make(map[string]Observation, len(obs))
	for _, o := range obs {
		if _, dup := bySource[o.Source]; !dup {
			bySource[o.Source] = o
		}
	}
	names := make([]string, 0, len(bySource))
	for name := range bySource {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		groups     = make(map[string]*group)
		incomplete []string
	)
	for _, name := range names {
		o := bySource[name]
		agreed, ok := p.project(o.Fields)
		if !ok {
			incomplete = append(incomplete, name)
			continue
		}
		key, err := canonicalize.CanonicalizeEvidence(agreed)
		if err != nil {
			return Result{}, fmt.Errorf("consensus: source %s: %w", name, err)
		}
		g, ok := groups[key]
		if !ok {
			g = &group{key: key, agreed: agreed}
			groups[key] = g
		}
		g.members = append(g.members, o)
	}

	ranked := make([]*group, 0, len(groups))
	for _, g := range groups {
		ranked = append(ranked, g)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if len(ranked[i].members) != len(ranked[j].members) {
			return len(ranked[i].members) > len(ranked[j].members)
		}
		return ranked[i].key < ranked[j].key
	})

	res := Result{Incomplete: incomplete}
	need := p.minSources()
	final := expected > 0 && len(bySource) >= expected

	if len(ranked) == 0 {
		res.Status = Insufficient
		res.Reason = "no report carries every key field"
		if final {
			res.Status = Disputed
		}
		return res, nil
	}

	best := ranked[0]
	res.Agreed = best.agreed
	res.Observations = best.members
	for _, m := range best.members {
		res.Sources = append(res.Sources, m.Source)
	}
	for _, g := range ranked[1:] {
		for _, m := range g.members {
			res.Dissenting = append(res.Dissenting, m.Source)
		}
	}
	sort.Strings(res.Dissenting)

	switch {
	case len(ranked) > 1 && len(ranked[1].members) == len(best.members):
		res.Status = Disputed
		res.Reason = fmt.Sprintf("%d sources each back conflicting outcomes", len(best.members))
		if len(best.members) < need && !final {
			// A tie below the threshold can still be broken by a late source.
			res.Status = Insufficient
			res.Reason = fmt.Sprintf("sources split %d/%d, waiting for more", len(best.members), len(ranked[1].members))
		}
	case p.Unanimous && len(res.Dissenting) > 0:
		res.Status = Disputed
		res.Reason = fmt.Sprintf("unanimity required but %v disagree", res.Dissenting)
	case len(best.members) >= need:
		res.Status = Confirmed
		res.Reason = fmt.Sprintf("%d of %d sources agree", len(best.members), len(bySource))
	case final:
		res.Status = Disputed
		res.Reason = fmt.Sprintf("all %d sources reported but only %d agree, need %d", expected, len(best.members), need)
	default:
		res.Status = Insufficient
		res.Reason = fmt.Sprintf("%d of %d required sources agree", len(best.members), need)
	}
	return res, nil
}

// project returns the key fields of fields, or false when one is missing.
func (p Policy) project(fields map[string]any) (map[string]any, bool) {
	if len(p.KeyFields) == 0 {
		if len(fields) == 0 {
			return nil, false
		}
		return fields, true
	}
	out := make(map[string]any, len(p.KeyFields))
	for _, k := range p.KeyFields {
		v, ok := fields[k]
		if !ok {
			return nil, false
		}
		out[k] = v
	}
	return out, true
}
