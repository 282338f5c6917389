package memory

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SearchParams filter and shape effective-set retrieval.
type SearchParams struct {
	TenantID string
	Query    string
	Channel  string // requesting channel; chunks blocked on it are excluded
	Scope    string
	Kind     string
	// IncludeQuarantined opts quarantined chunks back into results.
	IncludeQuarantined bool
	Limit              int
}

// SearchResult is one ranked effective chunk.
type SearchResult struct {
	EffectiveChunk
	Score float64 `json:"score"`
}

// Retrieval score weights: full-text relevance, edited importance, recency.
const (
	weightRelevance  = 0.5
	weightImportance = 0.3
	weightRecency    = 0.2
)

// candidateFetchFactor over-fetches relative to the requested limit so that
// retracted, quarantined, and channel-blocked candidates removed by the fold
// do not starve the result set.
const candidateFetchFactor = 4

func candidateLimit(requested int) int {
	n := requested * candidateFetchFactor
	if n < searchCandidateLimit {
		return searchCandidateLimit
	}
	return n
}

// Search performs ranked retrieval over the effective set: candidates come
// from the inverted index, approved edits are folded in one batched read,
// then retracted, quarantined (unless requested), and channel-blocked
// chunks are dropped before scoring.
func (v *View) Search(ctx context.Context, p SearchParams) ([]SearchResult, error) {
	ctx, span := tracer.Start(ctx, "memory.search",
		trace.WithAttributes(
			attribute.String("tenant_id", p.TenantID),
			attribute.String("query", p.Query),
		))
	defer span.End()

	candidates, err := v.chunks.candidates(ctx, p.TenantID, p.Query, candidateLimit(p.Limit))
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	editsByChunk, err := v.edits.ApprovedChunkEdits(ctx, p.TenantID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	results := make([]SearchResult, 0, len(candidates))
	for i := range candidates {
		base := &candidates[i]
		eff, retracted := fold(base, editsByChunk[base.ChunkID])
		if retracted {
			continue
		}
		if eff.IsQuarantined && !p.IncludeQuarantined {
			continue
		}
		if p.Channel != "" && eff.BlockedOn(p.Channel) {
			continue
		}
		if p.Scope != "" && eff.Scope != p.Scope {
			continue
		}
		if p.Kind != "" && eff.Kind != p.Kind {
			continue
		}
		results = append(results, SearchResult{
			EffectiveChunk: *eff,
			Score:          score(p.Query, eff, now),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].TS.After(results[j].TS)
	})

	if p.Limit > 0 && len(results) > p.Limit {
		results = results[:p.Limit]
	}
	searchesTotal.Add(ctx, 1)
	span.SetAttributes(attribute.Int("memory.results", len(results)))
	return results, nil
}

func score(query string, eff *EffectiveChunk, now time.Time) float64 {
	relevance := 1.0
	if query != "" {
		relevance = keywordSimilarity(query, eff.Text)
	}
	days := now.Sub(eff.TS).Hours() / 24
	if days < 0 {
		days = 0
	}
	recency := 1.0 / (1.0 + days)
	return relevance*weightRelevance + eff.Importance*weightImportance + recency*weightRecency
}
