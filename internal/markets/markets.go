// Package markets is the market directory consulted at intake: names and
// outcomes for display, and per-market volume statistics.
package markets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/custodian/internal/kv"
	"github.com/mbd888/custodian/internal/syncutil"
)

var (
	ErrMarketNotFound  = errors.New("markets: market not found")
	ErrUnknownOutcome  = errors.New("markets: unknown outcome")
	ErrAlreadyResolved = errors.New("markets: market already resolved")
)

// Outcome is one answer a market can resolve to.
type Outcome struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Market describes a prediction market.
type Market struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Outcomes        []Outcome  `json:"outcomes"`
	CreatedAt       time.Time  `json:"createdAt"`
	ResolvedOutcome *int       `json:"resolvedOutcome,omitempty"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
}

// Outcome returns the outcome with id.
func (m *Market) Outcome(id int) (Outcome, bool) {
	for _, o := range m.Outcomes {
		if o.ID == id {
			return o, true
		}
	}
	return Outcome{}, false
}

// Stats aggregates custody intake for a market.
type Stats struct {
	MarketID      string            `json:"marketId"`
	Predictions   int               `json:"predictions"`
	Volume        uint64            `json:"volume"`
	OutcomeVolume map[string]uint64 `json:"outcomeVolume"`
	Participants  int               `json:"participants"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// Invalidator drops cached ledger state for a market.
type Invalidator interface {
	InvalidateMarket(marketID string)
}

// Directory stores markets and stats in a kv.Store.
type Directory struct {
	store       kv.Store
	locks       *syncutil.KeyedMutex
	invalidator Invalidator
	now         func() time.Time
	logger      *slog.Logger
}

// NewDirectory returns a directory backed by store.
func NewDirectory(store kv.Store, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		store:  store,
		locks:  syncutil.NewKeyedMutex(),
		now:    time.Now,
		logger: logger.With("component", "markets"),
	}
}

// WithInvalidator registers the ledger cache to clear on resolution.
func (d *Directory) WithInvalidator(inv Invalidator) *Directory {
	d.invalidator = inv
	return d
}

func marketKey(id string) string       { return "market:" + id }
func statsKey(id string) string        { return "market:stats:" + id }
func participantsSet(id string) string { return "market:participants:" + id }

// PutMarket creates or replaces a market definition.
func (d *Directory) PutMarket(ctx context.Context, m *Market) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = d.now()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return d.store.Put(ctx, marketKey(m.ID), data)
}

// GetMarket returns the market with id.
func (d *Directory) GetMarket(ctx context.Context, id string) (*Market, error) {
	data, err := d.store.Get(ctx, marketKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrMarketNotFound
	}
	if err != nil {
		return nil, err
	}
	var m Market
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode market %s: %w", id, err)
	}
	return &m, nil
}

// Stats returns the market's statistics; a market without intake has zero stats.
func (d *Directory) Stats(ctx context.Context, id string) (*Stats, error) {
	data, err := d.store.Get(ctx, statsKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return &Stats{MarketID: id, OutcomeVolume: map[string]uint64{}}, nil
	}
	if err != nil {
		return nil, err
	}
	var s Stats
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode stats %s: %w", id, err)
	}
	if s.OutcomeVolume == nil {
		s.OutcomeVolume = map[string]uint64{}
	}
	return &s, nil
}

// UpdateMarketStats records one accepted prediction.
func (d *Directory) UpdateMarketStats(ctx context.Context, marketID string, outcomeID int, amount uint64, userID string) error {
	unlock, err := d.locks.LockContext(ctx, marketID)
	if err != nil {
		return err
	}
	defer unlock()

	stats, err := d.Stats(ctx, marketID)
	if err != nil {
		return err
	}
	participants, err := d.store.Members(ctx, participantsSet(marketID))
	if err != nil {
		return err
	}
	isNew := true
	for _, p := range participants {
		if p == userID {
			isNew = false
			break
		}
	}

	stats.Predictions++
	stats.Volume += amount
	stats.OutcomeVolume[fmt.Sprint(outcomeID)] += amount
	stats.Participants = len(participants)
	if isNew {
		stats.Participants++
	}
	stats.UpdatedAt = d.now()

	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	b := kv.NewBatch().Put(statsKey(marketID), data)
	if isNew {
		b.AddToSet(participantsSet(marketID), userID)
	}
	return d.store.Commit(ctx, b)
}

// Resolve records the winning outcome and clears cached ledger state.
func (d *Directory) Resolve(ctx context.Context, marketID string, outcomeID int) (*Market, error) {
	unlock, err := d.locks.LockContext(ctx, marketID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m, err := d.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.ResolvedOutcome != nil {
		return nil, ErrAlreadyResolved
	}
	if _, ok := m.Outcome(outcomeID); !ok {
		return nil, ErrUnknownOutcome
	}
	now := d.now()
	m.ResolvedOutcome = &outcomeID
	m.ResolvedAt = &now
	if err := d.PutMarket(ctx, m); err != nil {
		return nil, err
	}
	if d.invalidator != nil {
		d.invalidator.InvalidateMarket(marketID)
	}
	d.logger.Info("market resolved", "market_id", marketID, "outcome", outcomeID)
	return m, nil
}
