package custody

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/mbd888/custodian/internal/kv"
)

// KVStore keeps records in a kv.Store:
//
//	custody:rec:<id>          record JSON
//	custody:sig:<signature>   record id (claimed on create)
//	custody:user:<userId>     set of ids
//	custody:signer:<signer>   set of ids
//	custody:market:<marketId> set of ids
//	custody:status:<status>   set of ids
type KVStore struct {
	kv kv.Store
}

// NewKVStore wraps store.
func NewKVStore(store kv.Store) *KVStore {
	return &KVStore{kv: store}
}

var _ Store = (*KVStore)(nil)

func recKey(id string) string    { return "custody:rec:" + id }
func sigKey(sig string) string   { return "custody:sig:" + sig }
func userSet(id string) string   { return "custody:user:" + id }
func signerSet(s string) string  { return "custody:signer:" + s }
func marketSet(id string) string { return "custody:market:" + id }
func statusSet(s Status) string  { return "custody:status:" + string(s) }

func (s *KVStore) Create(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	claimed, err := s.kv.Claim(ctx, sigKey(rec.Signature), []byte(rec.ID))
	if err != nil {
		return fmt.Errorf("claim signature: %w", err)
	}
	if !claimed {
		return ErrDuplicateCustody
	}

	if _, err := s.kv.Get(ctx, recKey(rec.ID)); err == nil {
		_ = s.kv.Delete(ctx, sigKey(rec.Signature))
		return ErrIDCollision
	} else if !errors.Is(err, kv.ErrNotFound) {
		_ = s.kv.Delete(ctx, sigKey(rec.Signature))
		return err
	}

	b := kv.NewBatch().
		Put(recKey(rec.ID), data).
		AddToSet(userSet(rec.UserID), rec.ID).
		AddToSet(signerSet(rec.Signer), rec.ID).
		AddToSet(statusSet(rec.Status), rec.ID)
	if m := rec.MarketID(); m != "" {
		b.AddToSet(marketSet(m), rec.ID)
	}
	if err := s.kv.Commit(ctx, b); err != nil {
		_ = s.kv.Delete(ctx, sigKey(rec.Signature))
		return fmt.Errorf("commit record: %w", err)
	}
	return nil
}

func (s *KVStore) Get(ctx context.Context, id string) (*Record, error) {
	data, err := s.kv.Get(ctx, recKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	return &rec, nil
}

func (s *KVStore) GetBySignature(ctx context.Context, signature string) (*Record, error) {
	id, err := s.kv.Get(ctx, sigKey(signature))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, string(id))
}

func (s *KVStore) Update(ctx context.Context, rec *Record, prev Status) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	b := kv.NewBatch().Put(recKey(rec.ID), data)
	if prev != rec.Status {
		b.RemoveFromSet(statusSet(prev), rec.ID).AddToSet(statusSet(rec.Status), rec.ID)
	}
	return s.kv.Commit(ctx, b)
}

func (s *KVStore) Delete(ctx context.Context, id string) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	b := kv.NewBatch().
		Delete(recKey(id)).
		Delete(sigKey(rec.Signature)).
		RemoveFromSet(userSet(rec.UserID), id).
		RemoveFromSet(signerSet(rec.Signer), id).
		RemoveFromSet(statusSet(rec.Status), id)
	if m := rec.MarketID(); m != "" {
		b.RemoveFromSet(marketSet(m), id)
	}
	return s.kv.Commit(ctx, b)
}

func (s *KVStore) ListByUser(ctx context.Context, userID string) ([]*Record, error) {
	return s.list(ctx, userSet(userID))
}

func (s *KVStore) ListBySigner(ctx context.Context, signer string) ([]*Record, error) {
	return s.list(ctx, signerSet(signer))
}

func (s *KVStore) ListByMarket(ctx context.Context, marketID string) ([]*Record, error) {
	return s.list(ctx, marketSet(marketID))
}

func (s *KVStore) ListByStatus(ctx context.Context, status Status) ([]*Record, error) {
	return s.list(ctx, statusSet(status))
}

func (s *KVStore) Ping(ctx context.Context) error { return s.kv.Ping(ctx) }

// list loads every member of set, skipping ids deleted since the set was read.
func (s *KVStore) list(ctx context.Context, set string) ([]*Record, error) {
	ids, err := s.kv.Members(ctx, set)
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sortByCustodyTime(out)
	return out, nil
}

// sortByCustodyTime orders records oldest first, ties broken by id.
func sortByCustodyTime(recs []*Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if !a.TakenCustodyAt.Equal(b.TakenCustodyAt) {
			return a.TakenCustodyAt.Before(b.TakenCustodyAt)
		}
		return a.ID < b.ID
	})
}
