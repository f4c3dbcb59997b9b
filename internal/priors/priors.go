// Package priors exposes historical match outcomes as an injectable
// prior-knowledge provider that biases counterparty-identity scoring.
//
// The source system kept this history in a global learning table; here it is
// an explicit dependency passed into the heuristic matcher, never ambient
// state.
package priors

import (
	"strings"
	"sync"

	"multisource-reconciliation-engine/internal/models"
)

// MaxBias bounds the additive identity-score adjustment in either direction.
const MaxBias = 0.1

// Provider supplies an additive bias in [-MaxBias, +MaxBias] for the
// identity signal of a counterparty, based on previously confirmed or
// rejected matches.
type Provider interface {
	IdentityBias(tenant string, party models.Counterparty) float64
}

// Recorder is implemented by providers that learn from review outcomes.
type Recorder interface {
	Observe(tenant string, party models.Counterparty, confirmed bool)
}

// NopProvider returns zero bias for everything.
type NopProvider struct{}

// IdentityBias always returns 0.
func (NopProvider) IdentityBias(string, models.Counterparty) float64 { return 0 }

// MemoryProvider accumulates confirm/reject counts per (tenant,
// counterparty) and converts them into a bounded bias.
type MemoryProvider struct {
	mu     sync.RWMutex
	counts map[string]*tally
}

type tally struct {
	confirmed int
	rejected  int
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{counts: make(map[string]*tally)}
}

// Observe records the outcome of a reviewed or auto-accepted match.
func (p *MemoryProvider) Observe(tenant string, party models.Counterparty, confirmed bool) {
	key := partyKey(tenant, party)
	if key == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.counts[key]
	if !ok {
		t = &tally{}
		p.counts[key] = t
	}
	if confirmed {
		t.confirmed++
	} else {
		t.rejected++
	}
}

// IdentityBias converts the observed history into an additive bias. The bias
// grows with the net confirmation ratio but never exceeds MaxBias, so the
// identity signal stays dominated by the live evidence.
func (p *MemoryProvider) IdentityBias(tenant string, party models.Counterparty) float64 {
	key := partyKey(tenant, party)
	if key == "" {
		return 0
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.counts[key]
	if !ok {
		return 0
	}
	total := t.confirmed + t.rejected
	if total == 0 {
		return 0
	}
	ratio := float64(t.confirmed-t.rejected) / float64(total)
	bias := ratio * MaxBias
	if bias > MaxBias {
		bias = MaxBias
	}
	if bias < -MaxBias {
		bias = -MaxBias
	}
	return bias
}

func partyKey(tenant string, party models.Counterparty) string {
	id := strings.TrimSpace(party.TaxID)
	if id == "" {
		id = strings.ToUpper(strings.TrimSpace(party.Name))
	}
	if id == "" {
		return ""
	}
	return tenant + "|" + id
}
