package interaction

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medsafe/medsafe/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// graphStorePG reads the interaction knowledge graph stored relationally:
// drug nodes in `drug`, interaction edges in `drug_interaction`, and
// per-drug annotations in `drug_consequence` / `drug_exacerbation`.
type graphStorePG struct{ pool *pgxpool.Pool }

// NewGraphStorePG creates a GraphStore over the given pool.
func NewGraphStorePG(pool *pgxpool.Pool) GraphStore { return &graphStorePG{pool: pool} }

func (s *graphStorePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

// Annotations are unioned across both endpoint drugs: a consequence attached
// to either drug belongs to the pair's fact.
const graphEdgeQuery = `
	SELECT a.name, b.name, di.mechanism, COALESCE(di.notes, ''),
		(SELECT COALESCE(array_agg(DISTINCT dc.consequence ORDER BY dc.consequence), '{}')
			FROM drug_consequence dc WHERE dc.drug_id IN (a.id, b.id)),
		(SELECT COALESCE(array_agg(DISTINCT de.characteristic ORDER BY de.characteristic), '{}')
			FROM drug_exacerbation de WHERE de.drug_id IN (a.id, b.id))
	FROM drug_interaction di
	JOIN drug a ON a.id = di.drug_a_id
	JOIN drug b ON b.id = di.drug_b_id
	WHERE lower(a.name) = ANY($1) AND lower(b.name) = ANY($1) AND a.id <> b.id`

func (s *graphStorePG) FindInteractions(ctx context.Context, medications []string, pc PatientContext) ([]InteractionFact, error) {
	names := normalizeMedications(medications)
	if len(names) < 2 {
		return nil, nil
	}

	rows, err := s.conn(ctx).Query(ctx, graphEdgeQuery, names)
	if err != nil {
		return nil, fmt.Errorf("query interaction graph: %w", err)
	}
	defer rows.Close()

	// The table may hold both (A,B) and (B,A); collapse to one fact per
	// unordered pair.
	byPair := make(map[string]InteractionFact)
	for rows.Next() {
		var f InteractionFact
		var consequences, exacerbations []string
		if err := rows.Scan(&f.DrugA, &f.DrugB, &f.Mechanism, &f.Notes, &consequences, &exacerbations); err != nil {
			return nil, fmt.Errorf("scan interaction edge: %w", err)
		}
		f.ClinicalConsequences = sortedUnique(consequences)
		f.ExacerbatingCharacteristics = filterConfirmed(pc, exacerbations)
		byPair[f.PairKey()] = f
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read interaction edges: %w", err)
	}

	keys := make([]string, 0, len(byPair))
	for k := range byPair {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var facts []InteractionFact
	for _, k := range keys {
		facts = append(facts, byPair[k])
	}
	return facts, nil
}
