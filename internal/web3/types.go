package web3

import "context"

// ChainSnapshot represents summarized network metadata for health reporting.
type ChainSnapshot struct {
	ChainID     string
	BlockNumber string
	Notes       string
}

// Feedback is a single reputation feedback entry recorded on-chain.
type Feedback struct {
	From      string   `json:"from"`
	To        string   `json:"to"`
	Score     uint8    `json:"score"`
	Tags      []string `json:"tags"`
	ProofURI  string   `json:"proof_uri"`
	Timestamp int64    `json:"timestamp"`
}

// Client defines the read surface any chain implementation must provide so
// the reputation layer can query registries on different networks uniformly.
type Client interface {
	// Score returns the agent's registry score (0-1000).
	Score(ctx context.Context, address string) (int64, error)
	// FeedbackCount returns the number of feedback entries for the agent.
	FeedbackCount(ctx context.Context, address string) (int64, error)
	// FeedbackAt returns the i-th feedback entry for the agent.
	FeedbackAt(ctx context.Context, address string, index int64) (Feedback, error)
	// AverageFeedback returns the mean score of the most recent feedback
	// entries, or 0 when the agent has none.
	AverageFeedback(ctx context.Context, address string) (float64, error)
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}
