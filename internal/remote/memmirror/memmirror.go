// Package memmirror is an in-process remote.Mirror for tests and offline
// development.
package memmirror

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/yourownai/relay/internal/model"
	"github.com/yourownai/relay/internal/remote"
)

// Mirror keeps rows in memory. It is safe for concurrent use and can be shared
// by several reconcilers to simulate multiple devices.
type Mirror struct {
	mu      sync.Mutex
	rows    map[model.EntityType]map[string]remote.Record
	seq     map[model.EntityType]int64
	subs    map[model.EntityType][]chan remote.Change
	offline bool
	noFeed  bool
	pushes  int
}

// Option configures a Mirror.
type Option func(*Mirror)

// WithoutFeed makes Subscribe return remote.ErrFeedUnavailable.
func WithoutFeed() Option { return func(m *Mirror) { m.noFeed = true } }

// New returns an empty mirror.
func New(opts ...Option) *Mirror {
	m := &Mirror{
		rows: make(map[model.EntityType]map[string]remote.Record),
		seq:  make(map[model.EntityType]int64),
		subs: make(map[model.EntityType][]chan remote.Change),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Mirror) Name() string { return "memory" }

// SetOffline makes every call fail with a recoverable network error.
func (m *Mirror) SetOffline(off bool) {
	m.mu.Lock()
	m.offline = off
	m.mu.Unlock()
}

// Pushes returns the number of accepted writes.
func (m *Mirror) Pushes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushes
}

// Get returns the current row.
func (m *Mirror) Get(t model.EntityType, id string) (remote.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[t][id]
	return r, ok
}

var errOffline = errors.New("mirror offline")

func (m *Mirror) Push(_ context.Context, rec remote.Record, expectedVersion int64) (remote.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return remote.Record{}, remote.NewNetworkError("push", errOffline)
	}
	if rec.Type == "" || rec.ID == "" {
		return remote.Record{}, remote.NewInvalidError("push", errors.New("record without type or id"))
	}
	tbl := m.rows[rec.Type]
	if tbl == nil {
		tbl = make(map[string]remote.Record)
		m.rows[rec.Type] = tbl
	}
	if cur, ok := tbl[rec.ID]; ok && cur.Version != expectedVersion {
		return remote.Record{}, &remote.ConflictError{Current: cur}
	}
	m.seq[rec.Type]++
	rec.Seq = m.seq[rec.Type]
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	tbl[rec.ID] = rec
	m.pushes++

	ch := remote.Change{Type: rec.Type, ID: rec.ID, Seq: rec.Seq}
	for _, s := range m.subs[rec.Type] {
		select {
		case s <- ch:
		default:
		}
	}
	return rec, nil
}

func (m *Mirror) Pull(_ context.Context, t model.EntityType, since remote.Cursor, limit int) ([]remote.Record, remote.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return nil, since, remote.NewNetworkError("pull", errOffline)
	}
	var out []remote.Record
	for _, r := range m.rows[t] {
		if r.Seq > int64(since) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	next := since
	if len(out) > 0 {
		next = remote.Cursor(out[len(out)-1].Seq)
	}
	return out, next, nil
}

func (m *Mirror) Subscribe(ctx context.Context, t model.EntityType) (<-chan remote.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.noFeed {
		return nil, remote.ErrFeedUnavailable
	}
	ch := make(chan remote.Change, 64)
	m.subs[t] = append(m.subs[t], ch)
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subs[t]
		for i, s := range subs {
			if s == ch {
				m.subs[t] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}()
	return ch, nil
}

// DropFeeds closes every realtime channel, as a network drop would.
func (m *Mirror) DropFeeds() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for t, subs := range m.subs {
		for _, s := range subs {
			close(s)
		}
		delete(m.subs, t)
	}
}

func (m *Mirror) HealthPing(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return errOffline
	}
	return nil
}

func (m *Mirror) Close() error {
	m.DropFeeds()
	return nil
}
