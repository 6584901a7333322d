// Package kv is the durable key-value layer behind custody records and
// market data. Besides plain values it keeps membership sets and commits
// multi-key writes atomically.
package kv

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("kv: not found")
	ErrClosed   = errors.New("kv: store closed")
)

// Store is implemented by the memory, Redis, and LevelDB backends.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error

	// Claim stores value under key only if key is absent and reports
	// whether it did. Concurrent claims on one key have a single winner.
	Claim(ctx context.Context, key string, value []byte) (bool, error)

	// Members returns the members of set in ascending order.
	Members(ctx context.Context, set string) ([]string, error)

	// Commit applies every operation of b or none of them.
	Commit(ctx context.Context, b *Batch) error

	Ping(ctx context.Context) error
	Close() error
}

type opKind int

const (
	opPut opKind = iota
	opDelete
	opAdd
	opRemove
)

type op struct {
	kind   opKind
	key    string // value key or set name
	value  []byte
	member string
}

// Batch accumulates writes for Commit.
type Batch struct {
	ops []op
}

// NewBatch returns an empty batch.
func NewBatch() *Batch { return &Batch{} }

func (b *Batch) Put(key string, value []byte) *Batch {
	b.ops = append(b.ops, op{kind: opPut, key: key, value: value})
	return b
}

func (b *Batch) Delete(key string) *Batch {
	b.ops = append(b.ops, op{kind: opDelete, key: key})
	return b
}

func (b *Batch) AddToSet(set, member string) *Batch {
	b.ops = append(b.ops, op{kind: opAdd, key: set, member: member})
	return b
}

func (b *Batch) RemoveFromSet(set, member string) *Batch {
	b.ops = append(b.ops, op{kind: opRemove, key: set, member: member})
	return b
}

// Len returns the number of queued operations.
func (b *Batch) Len() int { return len(b.ops) }
