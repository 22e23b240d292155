// Package embedding provides text embedding providers and the wrappers that bound them.
package embedding

import (
	"context"
	"errors"
	"strings"

	"github.com/hyperjump/rulesense/internal/models"
)

var (
	// ErrUnavailable is returned when the embedding model cannot be loaded or reached.
	ErrUnavailable = errors.New("embedder unavailable")
	// ErrTimeout is returned when an embedding call exceeds its deadline.
	ErrTimeout = errors.New("embedding timed out")
)

// Embedder produces vector embeddings for text. Output is deterministic for a fixed model and input.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	// Model identifies the model; vectors from different models are never mixed.
	Model() string
	Close() error
}

// Loader is implemented by embedders that build their provider on demand.
type Loader interface {
	Load() error
}

// Preload builds e's provider when e loads lazily, so unavailability shows up before first use.
func Preload(e Embedder) error {
	if l, ok := e.(Loader); ok {
		return l.Load()
	}
	return nil
}

// ComposeRuleText builds the text embedded for a rule: id, title, problem, solution and
// prevention joined by ". ", skipping empty fields. The order is part of the cache contract.
func ComposeRuleText(rule models.RuleEntry) string {
	parts := make([]string, 0, 5)
	for _, s := range []string{rule.ID, rule.Title, rule.Problem, rule.Solution, rule.Prevention} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ". ")
}

// EncodeRule embeds the composed text of rule.
func EncodeRule(ctx context.Context, e Embedder, rule models.RuleEntry) ([]float32, error) {
	return e.Embed(ctx, ComposeRuleText(rule))
}

// ComposeRuleTexts composes the texts for rules in order.
func ComposeRuleTexts(rules []models.RuleEntry) []string {
	texts := make([]string, len(rules))
	for i := range rules {
		texts[i] = ComposeRuleText(rules[i])
	}
	return texts
}
