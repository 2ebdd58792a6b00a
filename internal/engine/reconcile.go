package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/lazypower/hotmem/internal/llm"
	"github.com/lazypower/hotmem/internal/store"
	"github.com/rs/zerolog/log"
)

// Operation is a reconciliation verdict.
type Operation string

const (
	OpAdd    Operation = "ADD"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
	OpNoop   Operation = "NOOP"
)

// Decision is what to do with one candidate.
type Decision struct {
	Operation    Operation
	Reason       string
	UpdatedFact  string
	UpdateTarget string
	DeleteTarget string
}

// parseDecision reads the reconciliation response. Anything without one of
// the four operations is an error.
func parseDecision(content string) (Decision, error) {
	doc, err := llm.ParseObject(content)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{
		Operation:    Operation(strings.ToUpper(strings.TrimSpace(doc.Get("operation").String()))),
		Reason:       doc.Get("reason").String(),
		UpdatedFact:  strings.TrimSpace(doc.Get("updated_fact").String()),
		UpdateTarget: strings.TrimSpace(doc.Get("update_target").String()),
		DeleteTarget: strings.TrimSpace(doc.Get("delete_target").String()),
	}
	switch d.Operation {
	case OpAdd, OpUpdate, OpDelete, OpNoop:
		return d, nil
	case "":
		return d, fmt.Errorf("reconcile response has no operation")
	default:
		return d, fmt.Errorf("unknown operation %q", d.Operation)
	}
}

// evidence gathers existing facts similar to fact from the capsule and the
// live store, capsule first, without repeats.
func (p *Pipeline) evidence(ctx context.Context, fact string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	if p.Search != nil {
		snippets, err := p.Search.Search(ctx, fact, []string{p.Settings.MemoryCollection}, p.Settings.EvidenceLimit)
		if err != nil {
			return nil, fmt.Errorf("capsule evidence: %w", err)
		}
		for _, s := range snippets {
			add(s)
		}
	}

	records, err := p.Store.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("store evidence: %w", err)
	}
	for _, m := range store.SearchText(records, fact, p.Settings.EvidenceThreshold, p.Settings.EvidenceLimit) {
		add(m.Record.Fact)
	}

	if limit := p.Settings.MaxEvidence; limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// decide returns the operation for c. With no evidence the candidate is
// added without a call unless AlwaysReconcile is set. Call or parse
// failures are returned as errors; callers must not fall back to ADD.
func (p *Pipeline) decide(ctx context.Context, c Candidate) (Decision, error) {
	ev, err := p.evidence(ctx, c.Fact)
	if err != nil {
		return Decision{}, err
	}
	if len(ev) == 0 && !p.Settings.AlwaysReconcile {
		return Decision{Operation: OpAdd, Reason: "no existing memories found"}, nil
	}

	req := llm.UserRequest(llm.ReconcileSystem,
		llm.ReconcileMessage(c.Fact, string(c.Category), c.Importance, ev),
		p.Settings.ReconcileMaxTokens)
	resp, err := p.LLM.Complete(ctx, req)
	if err != nil {
		return Decision{}, fmt.Errorf("reconcile call: %w", err)
	}
	d, err := parseDecision(resp.Content)
	if err != nil {
		return Decision{}, fmt.Errorf("reconcile response: %w", err)
	}
	return d, nil
}

// apply carries out d for c and updates the run counters. Only errors that
// must hold the marker are returned.
func (p *Pipeline) apply(ctx context.Context, r *run, c Candidate, d Decision) error {
	md := NewFactMetadata(c, r.now, p.Settings.LTMThreshold)
	switch d.Operation {
	case OpAdd:
		added, err := p.Store.Append(ctx, c.Fact, md)
		if err != nil {
			return fmt.Errorf("add: %w", err)
		}
		if !added {
			r.Noop++
			return nil
		}
		log.Info().Str("fact", truncate(c.Fact, 80)).Int("importance", c.Importance).Bool("dry_run", p.Store.DryRun()).Msg("add")
		r.Added++

	case OpUpdate:
		target := d.UpdateTarget
		if target == "" {
			target = c.Fact
		}
		updated := d.UpdatedFact
		if updated == "" {
			updated = c.Fact
		}
		if _, err := p.Store.Update(ctx, target, updated, md); err != nil {
			return fmt.Errorf("update: %w", err)
		}
		log.Info().Str("fact", truncate(updated, 80)).Str("target", truncate(target, 60)).Msg("update")
		r.Updated++

	case OpDelete:
		if d.DeleteTarget == "" {
			log.Warn().Str("fact", truncate(c.Fact, 60)).Msg("delete_without_target")
			r.SoftFailures++
			return nil
		}
		if _, err := p.Store.Invalidate(ctx, d.DeleteTarget); err != nil {
			return fmt.Errorf("delete: %w", err)
		}
		log.Info().Str("target", truncate(d.DeleteTarget, 60)).Msg("delete")
		r.Deleted++

	case OpNoop:
		log.Info().Str("fact", truncate(c.Fact, 60)).Str("reason", d.Reason).Msg("noop")
		r.Noop++
	}
	return nil
}
