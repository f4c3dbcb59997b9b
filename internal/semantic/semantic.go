// Package semantic implements Layer 2 of the matching pipeline:
// embedding-similarity ranking over free-text descriptions.
//
// Numeric signals alone cannot separate candidates from the same
// counterparty with similar amounts on the same day; this layer compares
// merchant names and memo lines in embedding space. It only ever runs on the
// narrowed set escalated by Layer 1 and produces no side effects beyond a
// ranking.
package semantic

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"multisource-reconciliation-engine/internal/matcher"
	"multisource-reconciliation-engine/internal/models"
	apperrors "multisource-reconciliation-engine/pkg/errors"
	"multisource-reconciliation-engine/pkg/logger"
)

// EmbeddingProvider is the boundary to the external embedding capability.
// Dimensionality and model version are the provider's concern; the engine
// only requires that equal text embeds to equal vectors within one run.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Config holds the Layer 2 decision parameters.
type Config struct {
	// SimilarityFloor is the minimum top-candidate cosine similarity for
	// acceptance.
	SimilarityFloor float64 `json:"similarity_floor" mapstructure:"similarity_floor"`

	// Margin is the minimum similarity gap between the top two candidates
	// for acceptance.
	Margin float64 `json:"margin" mapstructure:"margin"`

	// MaxRetries bounds embed retries before degrading to Layer 3.
	MaxRetries int `json:"max_retries" mapstructure:"max_retries"`

	// RetryBackoff is the base delay between embed retries.
	RetryBackoff time.Duration `json:"retry_backoff" mapstructure:"retry_backoff"`
}

// DefaultConfig returns the documented Layer 2 defaults.
func DefaultConfig() *Config {
	return &Config{
		SimilarityFloor: 0.7,
		Margin:          0.1,
		MaxRetries:      2,
		RetryBackoff:    200 * time.Millisecond,
	}
}

// RankedCandidate pairs an escalated candidate with its cosine similarity to
// the probe record.
type RankedCandidate struct {
	Scored     matcher.ScoredCandidate
	Similarity float64
}

// Decision is the Layer 2 outcome: either an accepted match or the ranked
// set to hand to arbitration.
type Decision struct {
	Accepted *models.Match
	Ranked   []RankedCandidate
}

// Matcher is the Layer 2 semantic matcher.
type Matcher struct {
	provider EmbeddingProvider
	config   *Config
	log      logger.Logger
}

// NewMatcher creates a Layer 2 matcher.
func NewMatcher(provider EmbeddingProvider, config *Config, log logger.Logger) *Matcher {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Matcher{provider: provider, config: config, log: log.WithComponent("semantic_matcher")}
}

// RankBySimilarity embeds the record's text and each ambiguous candidate's
// text and returns candidates ordered by cosine similarity, highest first.
// The input is exactly the set escalated by Layer 1 and must already be
// bounded; this layer never sees the full candidate population.
//
// A transient error is returned when the provider stays unavailable after
// bounded retries; the caller degrades to Layer 3 instead of skipping the
// record.
func (m *Matcher) RankBySimilarity(ctx context.Context, rec models.SourceRecord, ambiguous []matcher.ScoredCandidate) ([]RankedCandidate, error) {
	if m.provider == nil {
		return nil, apperrors.Transient(apperrors.CodeEmbeddingUnavailable, "no embedding provider configured")
	}
	if len(ambiguous) == 0 {
		return nil, nil
	}

	recVec, err := m.embedWithRetry(ctx, normalizeText(rec.Text()))
	if err != nil {
		return nil, err
	}

	ranked := make([]RankedCandidate, 0, len(ambiguous))
	for _, sc := range ambiguous {
		candVec, err := m.embedWithRetry(ctx, normalizeText(sc.Candidate.Text()))
		if err != nil {
			return nil, err
		}
		ranked = append(ranked, RankedCandidate{
			Scored:     sc,
			Similarity: cosine(recVec, candVec),
		})
	}

	// Stable ordering: similarity desc, then record ID.
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && less(ranked[j-1], ranked[j]); j-- {
			ranked[j-1], ranked[j] = ranked[j], ranked[j-1]
		}
	}
	return ranked, nil
}

func less(a, b RankedCandidate) bool {
	if a.Similarity != b.Similarity {
		return a.Similarity < b.Similarity
	}
	return a.Scored.Candidate.RecordID() > b.Scored.Candidate.RecordID()
}

// Decide ranks the escalated candidates and accepts the top one when its
// similarity clears the floor and leads the runner-up by the configured
// margin. Otherwise the ranking is returned for Layer 3 arbitration.
func (m *Matcher) Decide(ctx context.Context, rec models.SourceRecord, ambiguous []matcher.ScoredCandidate) (Decision, error) {
	ranked, err := m.RankBySimilarity(ctx, rec, ambiguous)
	if err != nil {
		return Decision{}, err
	}
	if len(ranked) == 0 {
		return Decision{}, nil
	}

	top := ranked[0]
	clearMargin := len(ranked) == 1 || top.Similarity-ranked[1].Similarity >= m.config.Margin
	if top.Similarity >= m.config.SimilarityFloor && clearMargin {
		return Decision{Accepted: m.buildMatch(rec, top)}, nil
	}

	m.log.WithFields(logger.Fields{
		"record":         rec.RecordID(),
		"top_similarity": top.Similarity,
		"candidates":     len(ranked),
	}).Debug("semantic ranking inconclusive, escalating to arbitration")
	return Decision{Ranked: ranked}, nil
}

// confidence maps a cosine similarity from [floor, 1] onto [floor, 1]
// linearly and clamps, keeping Layer 2 confidence on the same scale as the
// other layers.
func (m *Matcher) confidence(similarity float64) float64 {
	if similarity > 1 {
		return 1
	}
	if similarity < m.config.SimilarityFloor {
		return m.config.SimilarityFloor
	}
	return similarity
}

func (m *Matcher) buildMatch(rec models.SourceRecord, top RankedCandidate) *models.Match {
	cand := top.Scored.Candidate
	return &models.Match{
		ID:         uuid.NewString(),
		TenantID:   rec.TenantID(),
		Layer:      models.Layer2Semantic,
		Confidence: m.confidence(top.Similarity),
		Reasons: []string{
			fmt.Sprintf("description similarity %.2f (heuristic score %.2f)", top.Similarity, top.Scored.Score),
		},
		Status: models.MatchPending,
		Records: []models.RecordRef{
			{RecordID: rec.RecordID(), SourceType: rec.Source()},
			{RecordID: cand.RecordID(), SourceType: cand.Source()},
		},
		CreatedAt: time.Now().UTC(),
		CreatedBy: "engine",
	}
}

func (m *Matcher) embedWithRetry(ctx context.Context, text string) ([]float64, error) {
	var lastErr error
	for attempt := 0; attempt <= m.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, apperrors.Wrap(ctx.Err(), apperrors.CategoryTransient, apperrors.CodeEmbeddingUnavailable, "embedding cancelled")
			case <-time.After(m.config.RetryBackoff * time.Duration(attempt)):
			}
		}
		vec, err := m.provider.Embed(ctx, text)
		if err == nil {
			return vec, nil
		}
		lastErr = err
		m.log.WithError(err).WithField("attempt", attempt+1).Warn("embedding provider call failed")
	}
	return nil, apperrors.Wrap(lastErr, apperrors.CategoryTransient, apperrors.CodeEmbeddingUnavailable,
		"embedding provider unavailable after retries")
}

// normalizeText lowercases, collapses whitespace and strips punctuation so
// provider-side embeddings are stable across cosmetic differences.
func normalizeText(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// cosine computes cosine similarity between two vectors. Mismatched or zero
// vectors yield 0, which ranks them last rather than erroring.
func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
