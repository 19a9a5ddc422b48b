package interaction

import (
	"context"
	"sort"
	"sync"
)

// GraphStore queries the interaction knowledge graph. An empty result means
// no known interaction edge among the given medications — a valid, common
// outcome, never an error. Implementations must be safe for concurrent
// reads.
type GraphStore interface {
	FindInteractions(ctx context.Context, medications []string, pc PatientContext) ([]InteractionFact, error)
}

// normalizeMedications lowercases, trims, dedupes and sorts the input so
// that pair enumeration is independent of caller ordering.
func normalizeMedications(medications []string) []string {
	seen := make(map[string]bool, len(medications))
	var out []string
	for _, m := range medications {
		n := NormalizeName(m)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// filterConfirmed reduces graph exacerbation annotations to the subset the
// patient's profile actually confirms. This is the clinically meaningful
// step: "does this patient's profile make the interaction worse", not "could
// any patient's".
func filterConfirmed(pc PatientContext, characteristics []string) []string {
	var out []string
	seen := make(map[string]bool, len(characteristics))
	for _, ch := range characteristics {
		if seen[ch] {
			continue
		}
		seen[ch] = true
		if pc.Confirms(ch) {
			out = append(out, ch)
		}
	}
	sort.Strings(out)
	return out
}

// sortedUnique returns a sorted copy of ss with duplicates removed.
func sortedUnique(ss []string) []string {
	seen := make(map[string]bool, len(ss))
	var out []string
	for _, s := range ss {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// GraphEdge is one undirected interaction edge with the annotations
// collected from both endpoint drugs.
type GraphEdge struct {
	DrugA         string
	DrugB         string
	Mechanism     string
	Notes         string
	Consequences  []string
	Exacerbations []string
}

// MemoryGraphStore is a mutex-guarded, in-memory GraphStore keyed by
// canonical unordered pair. It backs unit tests and the one-off CLI check.
type MemoryGraphStore struct {
	mu    sync.RWMutex
	edges map[string]GraphEdge
}

// NewMemoryGraphStore creates an empty in-memory graph.
func NewMemoryGraphStore() *MemoryGraphStore {
	return &MemoryGraphStore{edges: make(map[string]GraphEdge)}
}

// AddEdge registers an interaction edge. Re-adding the same unordered pair
// overwrites the previous edge, so the graph never holds duplicate
// (A,B)/(B,A) rows.
func (s *MemoryGraphStore) AddEdge(e GraphEdge) {
	key := InteractionFact{DrugA: e.DrugA, DrugB: e.DrugB}.PairKey()
	s.mu.Lock()
	s.edges[key] = e
	s.mu.Unlock()
}

// FindInteractions considers every unordered pair drawn from medications and
// returns one InteractionFact per known edge, with exacerbations filtered to
// the patient's confirmed characteristics.
func (s *MemoryGraphStore) FindInteractions(ctx context.Context, medications []string, pc PatientContext) ([]InteractionFact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names := normalizeMedications(medications)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var facts []InteractionFact
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			key := InteractionFact{DrugA: names[i], DrugB: names[j]}.PairKey()
			edge, ok := s.edges[key]
			if !ok {
				continue
			}
			facts = append(facts, InteractionFact{
				DrugA:                       edge.DrugA,
				DrugB:                       edge.DrugB,
				Mechanism:                   edge.Mechanism,
				Notes:                       edge.Notes,
				ClinicalConsequences:        sortedUnique(edge.Consequences),
				ExacerbatingCharacteristics: filterConfirmed(pc, edge.Exacerbations),
			})
		}
	}
	return facts, nil
}
