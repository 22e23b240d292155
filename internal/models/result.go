package models

// Provenance tags which retrieval path produced a result.
type Provenance string

const (
	// ProvenanceSemantic marks results from embedding similarity.
	ProvenanceSemantic Provenance = "semantic"
	// ProvenanceKeyword marks results from the keyword matcher.
	ProvenanceKeyword Provenance = "keyword"
)

// MatchResult is a single ranked rule for a match call. Score is in [0, 1].
type MatchResult struct {
	Rule       RuleEntry  `json:"rule"`
	Score      float64    `json:"score"`
	Provenance Provenance `json:"provenance"`
}

// MatchResponse is the response of the match surface.
type MatchResponse struct {
	Tool      string        `json:"tool"`
	Results   []MatchResult `json:"results"`
	Path      string        `json:"path"`
	QueryTime int64         `json:"query_time_ms"`
}
