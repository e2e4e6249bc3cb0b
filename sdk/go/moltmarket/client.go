package moltmarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the MoltMarket settlement REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Agent mirrors the agent profile returned by the API.
type Agent struct {
	ID            string `json:"id"`
	Handle        string `json:"handle"`
	WalletAddress string `json:"wallet_address"`
	Chain         string `json:"chain"`

	OnChainScore  int64   `json:"on_chain_score"`
	MoltbookKarma int64   `json:"moltbook_karma"`
	FusedScore    float64 `json:"fused_score"`

	TotalBonded   float64 `json:"total_bonded"`
	AvailableBond float64 `json:"available_bond"`
	LockedBond    float64 `json:"locked_bond"`
	BondTier      string  `json:"bond_tier"`

	PerformanceScore float64 `json:"performance_score"`
	RiskIndex        float64 `json:"risk_index"`

	TotalGigsCompleted int     `json:"total_gigs_completed"`
	TotalEarned        float64 `json:"total_earned"`
}

// TrustResult is the answer to a hireability query.
type TrustResult struct {
	AgentID        string  `json:"agent_id"`
	FusedScore     float64 `json:"fused_score"`
	EffectiveScore float64 `json:"effective_score"`
	Tier           string  `json:"tier"`
	Hireable       bool    `json:"hireable"`
	Decayed        bool    `json:"decayed"`
}

// Gig mirrors a marketplace gig.
type Gig struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Skills       []string `json:"skills,omitempty"`
	Budget       float64  `json:"budget"`
	Currency     string   `json:"currency"`
	Chain        string   `json:"chain"`
	PosterID     string   `json:"poster_id"`
	AssigneeID   string   `json:"assignee_id,omitempty"`
	BondRequired float64  `json:"bond_required"`
	BondLocked   float64  `json:"bond_locked"`
	Status       string   `json:"status"`
}

// PostGigInput is the payload for publishing a gig.
type PostGigInput struct {
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Skills       []string `json:"skills,omitempty"`
	Budget       float64  `json:"budget"`
	Currency     string   `json:"currency"`
	Chain        string   `json:"chain"`
	PosterID     string   `json:"poster_id"`
	BondRequired float64  `json:"bond_required"`
}

// EscrowTransaction mirrors the escrow record backing a gig.
type EscrowTransaction struct {
	GigID      string  `json:"gig_id"`
	PosterID   string  `json:"poster_id"`
	AssigneeID string  `json:"assignee_id,omitempty"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	Chain      string  `json:"chain"`
	Status     string  `json:"status"`
}

// Validation mirrors a swarm validation round.
type Validation struct {
	ID                 string   `json:"id"`
	GigID              string   `json:"gig_id"`
	Status             string   `json:"status"`
	Threshold          int      `json:"threshold"`
	SelectedValidators []string `json:"selected_validators"`
	VotesFor           int      `json:"votes_for"`
	VotesAgainst       int      `json:"votes_against"`
	TotalRewardPool    float64  `json:"total_reward_pool"`
	RewardPerValidator float64  `json:"reward_per_validator"`
}

// SubmitResult bundles the gig and the validation round opened for it.
type SubmitResult struct {
	Gig        *Gig        `json:"gig"`
	Validation *Validation `json:"validation"`
}

// PostGigResult bundles the published gig and its escrow outcome.
type PostGigResult struct {
	Gig    *Gig           `json:"gig"`
	Escrow map[string]any `json:"escrow"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Retryable  bool              `json:"retryable"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("moltmarket api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("moltmarket api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the MoltMarket API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// RegisterAgent creates a new agent profile.
func (c *Client) RegisterAgent(ctx context.Context, handle, walletAddress, chain string) (*Agent, error) {
	payload := map[string]string{"handle": handle, "wallet_address": walletAddress, "chain": chain}
	var out Agent
	if err := c.post(ctx, "/api/v1/agents", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAgent fetches an agent profile by identifier.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var out Agent
	if err := c.get(ctx, "/api/v1/agents/"+url.PathEscape(agentID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RefreshReputation forces a reputation refresh from upstream sources.
func (c *Client) RefreshReputation(ctx context.Context, agentID string) (map[string]any, error) {
	var out map[string]any
	if err := c.post(ctx, "/api/v1/agents/"+url.PathEscape(agentID)+"/reputation/refresh", struct{}{}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TrustCheck asks whether an agent clears the given score floor. A zero
// minScore falls back to the server default.
func (c *Client) TrustCheck(ctx context.Context, agentID string, minScore float64) (*TrustResult, error) {
	endpoint := "/api/v1/agents/" + url.PathEscape(agentID) + "/trust"
	if minScore > 0 {
		endpoint += fmt.Sprintf("?min_score=%g", minScore)
	}
	var out TrustResult
	if err := c.get(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DepositBond credits the agent's available bond.
func (c *Client) DepositBond(ctx context.Context, agentID string, amount float64) (*Agent, error) {
	var out Agent
	if err := c.post(ctx, "/api/v1/agents/"+url.PathEscape(agentID)+"/bond/deposit", map[string]float64{"amount": amount}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WithdrawBond debits the agent's available bond.
func (c *Client) WithdrawBond(ctx context.Context, agentID string, amount float64) (*Agent, error) {
	var out Agent
	if err := c.post(ctx, "/api/v1/agents/"+url.PathEscape(agentID)+"/bond/withdraw", map[string]float64{"amount": amount}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PostGig publishes a gig and funds its escrow.
func (c *Client) PostGig(ctx context.Context, input PostGigInput) (*PostGigResult, error) {
	var out PostGigResult
	if err := c.post(ctx, "/api/v1/gigs", input, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetGig fetches a gig by identifier.
func (c *Client) GetGig(ctx context.Context, gigID string) (*Gig, error) {
	var out Gig
	if err := c.get(ctx, "/api/v1/gigs/"+url.PathEscape(gigID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListOpenGigs returns open gigs, newest first.
func (c *Client) ListOpenGigs(ctx context.Context, limit int) ([]*Gig, error) {
	endpoint := "/api/v1/gigs"
	if limit > 0 {
		endpoint += fmt.Sprintf("?limit=%d", limit)
	}
	var out []*Gig
	if err := c.get(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AssignGig assigns a gig to a worker.
func (c *Client) AssignGig(ctx context.Context, gigID, assigneeID string) (*Gig, error) {
	var out Gig
	if err := c.post(ctx, "/api/v1/gigs/"+url.PathEscape(gigID)+"/assign", map[string]string{"assignee_id": assigneeID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartGig marks an assigned gig as in progress.
func (c *Client) StartGig(ctx context.Context, gigID, actorID string) (*Gig, error) {
	var out Gig
	if err := c.post(ctx, "/api/v1/gigs/"+url.PathEscape(gigID)+"/start", map[string]string{"actor_id": actorID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitGig hands the deliverable over to swarm validation.
func (c *Client) SubmitGig(ctx context.Context, gigID, actorID string) (*SubmitResult, error) {
	var out SubmitResult
	if err := c.post(ctx, "/api/v1/gigs/"+url.PathEscape(gigID)+"/submit", map[string]string{"actor_id": actorID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DisputeGig freezes a gig pending manual resolution.
func (c *Client) DisputeGig(ctx context.Context, gigID, actorID string) (*Gig, error) {
	var out Gig
	if err := c.post(ctx, "/api/v1/gigs/"+url.PathEscape(gigID)+"/dispute", map[string]string{"actor_id": actorID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResolveDispute settles a disputed gig with an admin decision.
func (c *Client) ResolveDispute(ctx context.Context, gigID, adminID, action string) (*Gig, error) {
	payload := map[string]string{"admin_id": adminID, "action": action}
	var out Gig
	if err := c.post(ctx, "/api/v1/gigs/"+url.PathEscape(gigID)+"/resolve", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetEscrow fetches the escrow transaction backing a gig.
func (c *Client) GetEscrow(ctx context.Context, gigID string) (*EscrowTransaction, error) {
	var out EscrowTransaction
	if err := c.get(ctx, "/api/v1/gigs/"+url.PathEscape(gigID)+"/escrow", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetValidation fetches a swarm validation round.
func (c *Client) GetValidation(ctx context.Context, validationID string) (*Validation, error) {
	var out Validation
	if err := c.get(ctx, "/api/v1/validations/"+url.PathEscape(validationID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CastVote records a validator vote on a pending validation.
func (c *Client) CastVote(ctx context.Context, validationID, voterID, choice string) (*Validation, error) {
	payload := map[string]string{"voter_id": voterID, "choice": choice}
	var out Validation
	if err := c.post(ctx, "/api/v1/validations/"+url.PathEscape(validationID)+"/votes", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parts, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parts.Path), RawQuery: parts.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
