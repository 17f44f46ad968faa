// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import "context"

// Subscription is a live query registered with Watch. It stays active until
// Cancel is called; the store never terminates it on its own.
type Subscription struct {
	id    int64
	query Query
	fn    func([]Record)
	store *Store
}

// Cancel unregisters the subscription. Safe to call more than once.
func (sub *Subscription) Cancel() {
	sub.store.watchMu.Lock()
	delete(sub.store.watchers, sub.id)
	sub.store.watchMu.Unlock()
}

// Watch registers a live query. The callback is invoked with the full
// current result set immediately, and again after every committed batch that
// touches the query's collection. Callbacks run on the writer's goroutine
// before BatchApply returns, so observers always see the post-commit state.
func (s *Store) Watch(ctx context.Context, q Query, fn func([]Record)) (*Subscription, error) {
	recs, err := s.Select(ctx, q)
	if err != nil {
		return nil, err
	}

	s.watchMu.Lock()
	s.nextWatch++
	sub := &Subscription{id: s.nextWatch, query: q, fn: fn, store: s}
	s.watchers[sub.id] = sub
	s.watchMu.Unlock()

	fn(recs)
	return sub, nil
}

// notify re-evaluates every subscription whose collection was touched by a
// committed batch. Queries are re-run against the committed state rather
// than incrementally maintained; collections here are small (single-device
// field data) and re-running keeps membership and order exact.
func (s *Store) notify(ctx context.Context, touched map[string]bool) {
	s.watchMu.Lock()
	subs := make([]*Subscription, 0, len(s.watchers))
	for _, sub := range s.watchers {
		if touched[sub.query.Collection] {
			subs = append(subs, sub)
		}
	}
	s.watchMu.Unlock()

	for _, sub := range subs {
		recs, err := s.Select(ctx, sub.query)
		if err != nil {
			s.logger.Error("live query refresh failed",
				"collection", sub.query.Collection, "error", err)
			continue
		}
		sub.fn(recs)
	}
}

// WatchTransactions is the filtered transaction live view the delivery UI
// renders: one trip, optionally narrowed to a priority bucket and a
// free-text search over the denormalized customer columns, newest first.
func (s *Store) WatchTransactions(ctx context.Context, tripID, priority, search string, fn func([]Record)) (*Subscription, error) {
	q := Query{
		Collection: CollectionTransactions,
		Where:      []Cond{{Field: "trip", Op: "=", Value: tripID}},
		OrderBy:    "createdAt",
		Desc:       true,
	}
	if priority != "" && priority != "ALL" {
		q.Where = append(q.Where, Cond{Field: "priority", Op: "=", Value: priority})
	}
	if search != "" {
		pattern := "%" + escapeLike(search) + "%"
		for _, f := range []string{"name", "area", "block", "address"} {
			q.Any = append(q.Any, Cond{Field: f, Op: "LIKE", Value: pattern})
		}
	}
	return s.Watch(ctx, q, fn)
}

func escapeLike(s string) string {
	var out []rune
	for _, r := range s {
		if r == '%' || r == '_' {
			// SQLite LIKE has no default escape; strip wildcards from user input.
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
