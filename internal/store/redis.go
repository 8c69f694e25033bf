package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sharemkt/settlement-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: single-listing fetch, single-offer fetch,
// and the dashboard status counts. Writes go to the primary store and
// invalidate the affected keys; transactional writes invalidate after
// commit, so the cache never runs ahead of the store.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{Store: primary, rdb: rdb, ttl: ttl}
}

func listingKey(id string) string { return fmt.Sprintf("listing:%s", id) }
func offerKey(id string) string   { return fmt.Sprintf("offer:%s", id) }

const statusCountsKey = "offers:status_counts"

// --- Read-through ---

func (s *CachedStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	data, err := s.rdb.Get(ctx, listingKey(id)).Bytes()
	if err == nil {
		var l model.Listing
		if json.Unmarshal(data, &l) == nil {
			return &l, nil
		}
	}

	l, err := s.Store.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(l); err == nil {
		s.rdb.Set(ctx, listingKey(id), data, s.ttl)
	}
	return l, nil
}

func (s *CachedStore) GetOffer(ctx context.Context, id string) (*model.Offer, error) {
	data, err := s.rdb.Get(ctx, offerKey(id)).Bytes()
	if err == nil {
		var o model.Offer
		if json.Unmarshal(data, &o) == nil {
			return &o, nil
		}
	}

	o, err := s.Store.GetOffer(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(o); err == nil {
		s.rdb.Set(ctx, offerKey(id), data, s.ttl)
	}
	return o, nil
}

func (s *CachedStore) OfferStatusCounts(ctx context.Context) (map[model.OfferStatus]int64, error) {
	data, err := s.rdb.Get(ctx, statusCountsKey).Bytes()
	if err == nil {
		var counts map[model.OfferStatus]int64
		if json.Unmarshal(data, &counts) == nil {
			return counts, nil
		}
	}

	counts, err := s.Store.OfferStatusCounts(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(counts); err == nil {
		s.rdb.Set(ctx, statusCountsKey, data, s.ttl)
	}
	return counts, nil
}

// --- Write-through invalidation ---

func (s *CachedStore) UpdateListing(ctx context.Context, l *model.Listing) error {
	if err := s.Store.UpdateListing(ctx, l); err != nil {
		return err
	}
	s.rdb.Del(ctx, listingKey(l.ID))
	return nil
}

func (s *CachedStore) IncrementListingViews(ctx context.Context, id string) error {
	if err := s.Store.IncrementListingViews(ctx, id); err != nil {
		return err
	}
	s.rdb.Del(ctx, listingKey(id))
	return nil
}

func (s *CachedStore) UpdateOffer(ctx context.Context, o *model.Offer) error {
	if err := s.Store.UpdateOffer(ctx, o); err != nil {
		return err
	}
	s.rdb.Del(ctx, offerKey(o.ID), statusCountsKey)
	return nil
}

func (s *CachedStore) DeleteOffer(ctx context.Context, id string) error {
	if err := s.Store.DeleteOffer(ctx, id); err != nil {
		return err
	}
	s.rdb.Del(ctx, offerKey(id), statusCountsKey)
	return nil
}

func (s *CachedStore) CreateOffer(ctx context.Context, o *model.Offer) error {
	if err := s.Store.CreateOffer(ctx, o); err != nil {
		return err
	}
	s.rdb.Del(ctx, statusCountsKey)
	return nil
}

// WithTx delegates to the primary store and invalidates every key the
// transaction touched only after a successful commit.
func (s *CachedStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	var touched []string
	err := s.Store.WithTx(ctx, func(tx Tx) error {
		return fn(&invalidatingTx{Tx: tx, touched: &touched})
	})
	if err != nil {
		return err
	}
	if len(touched) > 0 {
		s.rdb.Del(ctx, touched...)
	}
	return nil
}

// invalidatingTx records cache keys for post-commit invalidation.
type invalidatingTx struct {
	Tx
	touched *[]string
}

func (t *invalidatingTx) UpdateListing(ctx context.Context, l *model.Listing) error {
	*t.touched = append(*t.touched, listingKey(l.ID))
	return t.Tx.UpdateListing(ctx, l)
}

func (t *invalidatingTx) CreateOffer(ctx context.Context, o *model.Offer) error {
	*t.touched = append(*t.touched, statusCountsKey)
	return t.Tx.CreateOffer(ctx, o)
}

func (t *invalidatingTx) UpdateOffer(ctx context.Context, o *model.Offer) error {
	*t.touched = append(*t.touched, offerKey(o.ID), statusCountsKey)
	return t.Tx.UpdateOffer(ctx, o)
}

func (t *invalidatingTx) DeleteOffer(ctx context.Context, id string) error {
	*t.touched = append(*t.touched, offerKey(id), statusCountsKey)
	return t.Tx.DeleteOffer(ctx, id)
}
