package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/runguard/internal/policy"
	"github.com/triage-ai/runguard/internal/run"
)

// Memory is an in-process store with the same constraints as the Postgres
// schema. It backs the server when POSTGRES_DSN is unset and the tests.
type Memory struct {
	mu      sync.Mutex
	runs    map[string]*run.Run
	rules   map[string]*policy.Rule
	clients map[string]*Client
	now     func() time.Time
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:    make(map[string]*run.Run),
		rules:   make(map[string]*policy.Rule),
		clients: make(map[string]*Client),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func cloneRun(r *run.Run) *run.Run {
	c := *r
	c.Input = slices.Clone(r.Input)
	if r.ErrorMessage != nil {
		msg := *r.ErrorMessage
		c.ErrorMessage = &msg
	}
	if r.ApprovedBy != nil {
		by := *r.ApprovedBy
		c.ApprovedBy = &by
	}
	return &c
}

// liveHolder returns the live run holding key other than exceptID. Callers
// hold m.mu.
func (m *Memory) liveHolder(key, exceptID string) *run.Run {
	for _, r := range m.runs {
		if r.RunID != exceptID && r.IdempotencyKey == key && r.State.IsLive() {
			return r
		}
	}
	return nil
}

// Insert implements run.Store.
func (m *Memory) Insert(_ context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.RunID]; ok {
		return fmt.Errorf("Insert: run %s already exists", r.RunID)
	}
	if r.State.IsLive() && m.liveHolder(r.IdempotencyKey, r.RunID) != nil {
		return run.ErrDuplicateKey
	}
	m.runs[r.RunID] = cloneRun(r)
	return nil
}

// Get implements run.Store.
func (m *Memory) Get(_ context.Context, runID string) (*run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, nil
	}
	return cloneRun(r), nil
}

// FindLive implements run.Store.
func (m *Memory) FindLive(_ context.Context, key string) (*run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.liveHolder(key, ""); r != nil {
		return cloneRun(r), nil
	}
	return nil, nil
}

// Update implements run.Store.
func (m *Memory) Update(_ context.Context, r *run.Run, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.runs[r.RunID]
	if !ok || cur.Version != expectedVersion {
		return run.ErrVersionConflict
	}
	if r.State.IsLive() && m.liveHolder(r.IdempotencyKey, r.RunID) != nil {
		return run.ErrDuplicateKey
	}
	next := cloneRun(cur)
	next.State = r.State
	next.ErrorMessage = r.ErrorMessage
	next.ApprovedBy = r.ApprovedBy
	next.StateChangedAt = r.StateChangedAt
	next.Version = r.Version
	m.runs[r.RunID] = next
	return nil
}

// ListRuns returns runs ordered by created_at DESC.
func (m *Memory) ListRuns(_ context.Context, params ListRunsParams) ([]*run.Run, error) {
	limit := params.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*run.Run
	for _, r := range m.runs {
		if params.State != "" && string(r.State) != params.State {
			continue
		}
		if params.RequestedBy != "" && r.RequestedBy != params.RequestedBy {
			continue
		}
		out = append(out, cloneRun(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneRule(r *policy.Rule) *policy.Rule {
	c := *r
	c.BlockPatterns = slices.Clone(r.BlockPatterns)
	c.RequirePatterns = slices.Clone(r.RequirePatterns)
	return &c
}

// ActiveRules returns every active rule ordered by sequence.
func (m *Memory) ActiveRules(ctx context.Context) ([]*policy.Rule, error) {
	all, err := m.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("ActiveRules: %w", err)
	}
	active := all[:0]
	for _, r := range all {
		if r.Active {
			active = append(active, r)
		}
	}
	return active, nil
}

// ListRules returns all rules ordered by sequence.
func (m *Memory) ListRules(_ context.Context) ([]*policy.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*policy.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, cloneRule(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sequence != out[j].Sequence {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].Code < out[j].Code
	})
	return out, nil
}

// GetRule returns a rule by code, or nil if not found.
func (m *Memory) GetRule(_ context.Context, code string) (*policy.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[code]
	if !ok {
		return nil, nil
	}
	return cloneRule(r), nil
}

// scopeTaken reports whether an active rule other than code holds key.
// Callers hold m.mu.
func (m *Memory) scopeTaken(key, code string) bool {
	for _, r := range m.rules {
		if r.Code != code && r.Active && r.ScopeKey() == key {
			return true
		}
	}
	return false
}

// CreateRule validates and inserts a rule.
func (m *Memory) CreateRule(_ context.Context, r *policy.Rule) (*policy.Rule, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[r.Code]; ok {
		return nil, fmt.Errorf("CreateRule: %w", policy.ErrRuleExists)
	}
	if r.Active && m.scopeTaken(r.ScopeKey(), r.Code) {
		return nil, fmt.Errorf("CreateRule: %w", policy.ErrRuleConflict)
	}
	c := cloneRule(r)
	c.CreatedAt = m.now()
	c.UpdatedAt = c.CreatedAt
	m.rules[c.Code] = c
	return cloneRule(c), nil
}

// UpdateRule replaces the rule with the given code. Returns nil if the rule
// does not exist.
func (m *Memory) UpdateRule(_ context.Context, r *policy.Rule) (*policy.Rule, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rules[r.Code]
	if !ok {
		return nil, nil
	}
	if r.Active && m.scopeTaken(r.ScopeKey(), r.Code) {
		return nil, fmt.Errorf("UpdateRule: %w", policy.ErrRuleConflict)
	}
	c := cloneRule(r)
	c.CreatedAt = cur.CreatedAt
	c.UpdatedAt = m.now()
	m.rules[c.Code] = c
	return cloneRule(c), nil
}

func cloneClient(c *Client) *Client {
	out := *c
	out.Groups = slices.Clone(c.Groups)
	return &out
}

// CreateClient inserts a new client and returns its plaintext API key.
func (m *Memory) CreateClient(_ context.Context, params CreateClientParams) (*Client, string, error) {
	fullKey, keyHash, keyPrefix, err := GenerateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("CreateClient: %w", err)
	}
	now := m.now()
	c := &Client{
		ID:           uuid.NewString(),
		Name:         params.Name,
		Principal:    params.Principal,
		Groups:       slices.Clone(params.Groups),
		CanApprove:   params.CanApprove,
		APIKeyHash:   keyHash,
		APIKeyPrefix: keyPrefix,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.mu.Lock()
	m.clients[c.ID] = c
	m.mu.Unlock()
	return cloneClient(c), fullKey, nil
}

// ListClients returns all clients ordered by created_at DESC.
func (m *Memory) ListClients(_ context.Context) ([]*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, cloneClient(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// GetClient returns a client by ID, or nil if not found.
func (m *Memory) GetClient(_ context.Context, id string) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok {
		return nil, nil
	}
	return cloneClient(c), nil
}

// DeleteClient deletes a client by ID. Returns sql.ErrNoRows if it does not
// exist, matching Store.
func (m *Memory) DeleteClient(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[id]; !ok {
		return sql.ErrNoRows
	}
	delete(m.clients, id)
	return nil
}

// RotateAPIKey replaces the client's key. Returns nil if it does not exist.
func (m *Memory) RotateAPIKey(_ context.Context, id string) (*Client, string, error) {
	fullKey, keyHash, keyPrefix, err := GenerateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("RotateAPIKey: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok {
		return nil, "", nil
	}
	c.APIKeyHash = keyHash
	c.APIKeyPrefix = keyPrefix
	c.UpdatedAt = m.now()
	return cloneClient(c), fullKey, nil
}

// LookupByPrefix finds a client by API key prefix, or nil.
func (m *Memory) LookupByPrefix(_ context.Context, prefix string) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clients {
		if c.APIKeyPrefix == prefix {
			return cloneClient(c), nil
		}
	}
	return nil, nil
}
