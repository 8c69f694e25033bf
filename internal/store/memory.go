package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sharemkt/settlement-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
//
// WithTx runs the body against a deep copy of the state and swaps it in on
// success, so an aborted transaction leaves no mutation visible.
type MemoryStore struct {
	mu sync.RWMutex
	d  *memData
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{d: newMemData()}
}

// WithTx implements Store. The whole store is locked for the duration, so
// transactions are trivially serializable.
func (s *MemoryStore) WithTx(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.d.clone()
	if err := fn(&memTx{d: work}); err != nil {
		return err
	}
	s.d = work
	return nil
}

// memTx exposes the working copy inside WithTx. No locking: the store lock
// is held for the whole transaction.
type memTx struct{ d *memData }

func (s *MemoryStore) read(fn func(d *memData) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.d)
}

func (s *MemoryStore) write(fn func(d *memData) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.d)
}

// --- MemoryStore autocommit delegation ---

func (s *MemoryStore) CreateListing(_ context.Context, l *model.Listing) error {
	return s.write(func(d *memData) error { return d.createListing(l) })
}

func (s *MemoryStore) GetListing(_ context.Context, id string) (*model.Listing, error) {
	var out *model.Listing
	err := s.read(func(d *memData) error { var e error; out, e = d.getListing(id); return e })
	return out, err
}

func (s *MemoryStore) GetListingForUpdate(ctx context.Context, id string) (*model.Listing, error) {
	return s.GetListing(ctx, id)
}

func (s *MemoryStore) UpdateListing(_ context.Context, l *model.Listing) error {
	return s.write(func(d *memData) error { return d.updateListing(l) })
}

func (s *MemoryStore) ListListings(_ context.Context, f ListingFilter) ([]model.Listing, error) {
	var out []model.Listing
	err := s.read(func(d *memData) error { out = d.listListings(f); return nil })
	return out, err
}

func (s *MemoryStore) IncrementListingViews(_ context.Context, id string) error {
	return s.write(func(d *memData) error { return d.incrementViews(id) })
}

func (s *MemoryStore) CreateOffer(_ context.Context, o *model.Offer) error {
	return s.write(func(d *memData) error { return d.createOffer(o) })
}

func (s *MemoryStore) GetOffer(_ context.Context, id string) (*model.Offer, error) {
	var out *model.Offer
	err := s.read(func(d *memData) error { var e error; out, e = d.getOffer(id); return e })
	return out, err
}

func (s *MemoryStore) GetOfferForUpdate(ctx context.Context, id string) (*model.Offer, error) {
	return s.GetOffer(ctx, id)
}

func (s *MemoryStore) UpdateOffer(_ context.Context, o *model.Offer) error {
	return s.write(func(d *memData) error { return d.updateOffer(o) })
}

func (s *MemoryStore) DeleteOffer(_ context.Context, id string) error {
	return s.write(func(d *memData) error { return d.deleteOffer(id) })
}

func (s *MemoryStore) ListOffers(_ context.Context, f OfferFilter) ([]model.Offer, error) {
	var out []model.Offer
	err := s.read(func(d *memData) error { out = d.listOffers(f); return nil })
	return out, err
}

func (s *MemoryStore) OfferStatusCounts(_ context.Context) (map[model.OfferStatus]int64, error) {
	var out map[model.OfferStatus]int64
	err := s.read(func(d *memData) error { out = d.offerStatusCounts(); return nil })
	return out, err
}

func (s *MemoryStore) CreateLot(_ context.Context, lot *model.InventoryLot) error {
	return s.write(func(d *memData) error { return d.createLot(lot) })
}

func (s *MemoryStore) ListLots(_ context.Context, userID string, class model.ShareClass, tier string) ([]model.InventoryLot, error) {
	var out []model.InventoryLot
	err := s.read(func(d *memData) error { out = d.listLots(userID, class, tier); return nil })
	return out, err
}

func (s *MemoryStore) ListLotsForUpdate(ctx context.Context, userID string, class model.ShareClass, tier string) ([]model.InventoryLot, error) {
	return s.ListLots(ctx, userID, class, tier)
}

func (s *MemoryStore) UpdateLotSold(_ context.Context, lotID string, soldShares int64) error {
	return s.write(func(d *memData) error { return d.updateLotSold(lotID, soldShares) })
}

func (s *MemoryStore) CreateTransfer(_ context.Context, t *model.TransferRecord) error {
	return s.write(func(d *memData) error { return d.createTransfer(t) })
}

func (s *MemoryStore) GetTransfer(_ context.Context, id string) (*model.TransferRecord, error) {
	var out *model.TransferRecord
	err := s.read(func(d *memData) error { var e error; out, e = d.getTransfer(id); return e })
	return out, err
}

func (s *MemoryStore) UpdateTransfer(_ context.Context, t *model.TransferRecord) error {
	return s.write(func(d *memData) error { return d.updateTransfer(t) })
}

func (s *MemoryStore) ListTransfers(_ context.Context, f TransferFilter) ([]model.TransferRecord, error) {
	var out []model.TransferRecord
	err := s.read(func(d *memData) error { out = d.listTransfers(f); return nil })
	return out, err
}

func (s *MemoryStore) CompletedSharesForBuyer(_ context.Context, listingID, buyerID string) (int64, error) {
	var out int64
	err := s.read(func(d *memData) error { out = d.completedSharesForBuyer(listingID, buyerID); return nil })
	return out, err
}

func (s *MemoryStore) SettledValueByCurrency(_ context.Context, since time.Time) (map[model.Currency]decimal.Decimal, error) {
	var out map[model.Currency]decimal.Decimal
	err := s.read(func(d *memData) error { out = d.settledValueByCurrency(since); return nil })
	return out, err
}

func (s *MemoryStore) AppendAudit(_ context.Context, e *model.AuditEntry) error {
	return s.write(func(d *memData) error { return d.appendAudit(e) })
}

func (s *MemoryStore) ListAudit(_ context.Context, f AuditFilter) ([]model.AuditEntry, error) {
	var out []model.AuditEntry
	err := s.read(func(d *memData) error { out = d.listAudit(f); return nil })
	return out, err
}

// --- memTx delegation (store lock already held) ---

func (t *memTx) CreateListing(_ context.Context, l *model.Listing) error { return t.d.createListing(l) }
func (t *memTx) GetListing(_ context.Context, id string) (*model.Listing, error) {
	return t.d.getListing(id)
}
func (t *memTx) GetListingForUpdate(_ context.Context, id string) (*model.Listing, error) {
	return t.d.getListing(id)
}
func (t *memTx) UpdateListing(_ context.Context, l *model.Listing) error { return t.d.updateListing(l) }
func (t *memTx) ListListings(_ context.Context, f ListingFilter) ([]model.Listing, error) {
	return t.d.listListings(f), nil
}
func (t *memTx) IncrementListingViews(_ context.Context, id string) error {
	return t.d.incrementViews(id)
}
func (t *memTx) CreateOffer(_ context.Context, o *model.Offer) error { return t.d.createOffer(o) }
func (t *memTx) GetOffer(_ context.Context, id string) (*model.Offer, error) {
	return t.d.getOffer(id)
}
func (t *memTx) GetOfferForUpdate(_ context.Context, id string) (*model.Offer, error) {
	return t.d.getOffer(id)
}
func (t *memTx) UpdateOffer(_ context.Context, o *model.Offer) error { return t.d.updateOffer(o) }
func (t *memTx) DeleteOffer(_ context.Context, id string) error      { return t.d.deleteOffer(id) }
func (t *memTx) ListOffers(_ context.Context, f OfferFilter) ([]model.Offer, error) {
	return t.d.listOffers(f), nil
}
func (t *memTx) OfferStatusCounts(_ context.Context) (map[model.OfferStatus]int64, error) {
	return t.d.offerStatusCounts(), nil
}
func (t *memTx) CreateLot(_ context.Context, lot *model.InventoryLot) error {
	return t.d.createLot(lot)
}
func (t *memTx) ListLots(_ context.Context, userID string, class model.ShareClass, tier string) ([]model.InventoryLot, error) {
	return t.d.listLots(userID, class, tier), nil
}
func (t *memTx) ListLotsForUpdate(_ context.Context, userID string, class model.ShareClass, tier string) ([]model.InventoryLot, error) {
	return t.d.listLots(userID, class, tier), nil
}
func (t *memTx) UpdateLotSold(_ context.Context, lotID string, soldShares int64) error {
	return t.d.updateLotSold(lotID, soldShares)
}
func (t *memTx) CreateTransfer(_ context.Context, tr *model.TransferRecord) error {
	return t.d.createTransfer(tr)
}
func (t *memTx) GetTransfer(_ context.Context, id string) (*model.TransferRecord, error) {
	return t.d.getTransfer(id)
}
func (t *memTx) UpdateTransfer(_ context.Context, tr *model.TransferRecord) error {
	return t.d.updateTransfer(tr)
}
func (t *memTx) ListTransfers(_ context.Context, f TransferFilter) ([]model.TransferRecord, error) {
	return t.d.listTransfers(f), nil
}
func (t *memTx) CompletedSharesForBuyer(_ context.Context, listingID, buyerID string) (int64, error) {
	return t.d.completedSharesForBuyer(listingID, buyerID), nil
}
func (t *memTx) SettledValueByCurrency(_ context.Context, since time.Time) (map[model.Currency]decimal.Decimal, error) {
	return t.d.settledValueByCurrency(since), nil
}
func (t *memTx) AppendAudit(_ context.Context, e *model.AuditEntry) error { return t.d.appendAudit(e) }
func (t *memTx) ListAudit(_ context.Context, f AuditFilter) ([]model.AuditEntry, error) {
	return t.d.listAudit(f), nil
}

// --- memData: the actual state, no locking ---

type memData struct {
	listings   map[string]*model.Listing
	offers     map[string]*model.Offer
	lots       map[string]*model.InventoryLot
	lotOrder   []string
	transfers  map[string]*model.TransferRecord
	trOrder    []string
	audits     []model.AuditEntry
	offerSeq   int64
	listingSeq int64
	seqByID    map[string]int64 // creation order for stable sorting
}

func newMemData() *memData {
	return &memData{
		listings:  make(map[string]*model.Listing),
		offers:    make(map[string]*model.Offer),
		lots:      make(map[string]*model.InventoryLot),
		transfers: make(map[string]*model.TransferRecord),
		seqByID:   make(map[string]int64),
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	for id, l := range d.listings {
		cp := *l
		c.listings[id] = &cp
	}
	for id, o := range d.offers {
		cp := *o
		c.offers[id] = &cp
	}
	for id, lot := range d.lots {
		cp := *lot
		c.lots[id] = &cp
	}
	c.lotOrder = append([]string(nil), d.lotOrder...)
	for id, tr := range d.transfers {
		cp := *tr
		c.transfers[id] = &cp
	}
	c.trOrder = append([]string(nil), d.trOrder...)
	c.audits = append([]model.AuditEntry(nil), d.audits...)
	c.offerSeq = d.offerSeq
	c.listingSeq = d.listingSeq
	for id, n := range d.seqByID {
		c.seqByID[id] = n
	}
	return c
}

func (d *memData) createListing(l *model.Listing) error {
	if _, ok := d.listings[l.ID]; ok {
		return fmt.Errorf("listing %s already exists", l.ID)
	}
	cp := *l
	d.listings[l.ID] = &cp
	d.listingSeq++
	d.seqByID[l.ID] = d.listingSeq
	return nil
}

func (d *memData) getListing(id string) (*model.Listing, error) {
	l, ok := d.listings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (d *memData) updateListing(l *model.Listing) error {
	if _, ok := d.listings[l.ID]; !ok {
		return ErrNotFound
	}
	cp := *l
	d.listings[l.ID] = &cp
	return nil
}

func (d *memData) incrementViews(id string) error {
	l, ok := d.listings[id]
	if !ok {
		return ErrNotFound
	}
	l.Views++
	return nil
}

func matchListing(l *model.Listing, f ListingFilter) bool {
	if f.SellerID != "" && l.SellerID != f.SellerID {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if l.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.PublicOnly && !l.IsPublic {
		return false
	}
	if !f.VisibleAt.IsZero() && !l.Transactable(f.VisibleAt) {
		return false
	}
	if f.Kind != "" && l.Kind != f.Kind {
		return false
	}
	if f.Class != "" && l.Class != f.Class {
		return false
	}
	if f.Tier != "" && l.Tier != f.Tier {
		return false
	}
	if f.Currency != "" && l.Currency != f.Currency {
		return false
	}
	if f.MinPrice != nil && l.PricePerShare.LessThan(*f.MinPrice) {
		return false
	}
	if f.MaxPrice != nil && l.PricePerShare.GreaterThan(*f.MaxPrice) {
		return false
	}
	return true
}

func (d *memData) listListings(f ListingFilter) []model.Listing {
	out := make([]model.Listing, 0)
	for _, l := range d.listings {
		if matchListing(l, f) {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return d.seqByID[out[i].ID] > d.seqByID[out[j].ID]
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, f.Offset, f.Limit)
}

func (d *memData) createOffer(o *model.Offer) error {
	if _, ok := d.offers[o.ID]; ok {
		return fmt.Errorf("offer %s already exists", o.ID)
	}
	cp := *o
	d.offers[o.ID] = &cp
	d.offerSeq++
	d.seqByID[o.ID] = d.offerSeq
	return nil
}

func (d *memData) getOffer(id string) (*model.Offer, error) {
	o, ok := d.offers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (d *memData) updateOffer(o *model.Offer) error {
	if _, ok := d.offers[o.ID]; !ok {
		return ErrNotFound
	}
	cp := *o
	d.offers[o.ID] = &cp
	return nil
}

func (d *memData) deleteOffer(id string) error {
	if _, ok := d.offers[id]; !ok {
		return ErrNotFound
	}
	delete(d.offers, id)
	return nil
}

func matchOffer(o *model.Offer, f OfferFilter) bool {
	if f.ListingID != "" && o.ListingID != f.ListingID {
		return false
	}
	if f.SellerID != "" && o.SellerID != f.SellerID {
		return false
	}
	if f.BuyerID != "" && o.BuyerID != f.BuyerID {
		return false
	}
	if f.EitherPartyID != "" && o.SellerID != f.EitherPartyID && o.BuyerID != f.EitherPartyID {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if o.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.AcceptedBefore.IsZero() {
		if o.AcceptedAt == nil || !o.AcceptedAt.Before(f.AcceptedBefore) {
			return false
		}
	}
	if !f.CreatedAfter.IsZero() && o.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	return true
}

func (d *memData) listOffers(f OfferFilter) []model.Offer {
	out := make([]model.Offer, 0)
	for _, o := range d.offers {
		if matchOffer(o, f) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return d.seqByID[out[i].ID] > d.seqByID[out[j].ID]
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, f.Offset, f.Limit)
}

func (d *memData) offerStatusCounts() map[model.OfferStatus]int64 {
	counts := make(map[model.OfferStatus]int64)
	for _, o := range d.offers {
		counts[o.Status]++
	}
	return counts
}

func (d *memData) createLot(lot *model.InventoryLot) error {
	if _, ok := d.lots[lot.ID]; ok {
		return fmt.Errorf("lot %s already exists", lot.ID)
	}
	cp := *lot
	d.lots[lot.ID] = &cp
	d.lotOrder = append(d.lotOrder, lot.ID)
	return nil
}

func (d *memData) listLots(userID string, class model.ShareClass, tier string) []model.InventoryLot {
	out := make([]model.InventoryLot, 0)
	for _, id := range d.lotOrder {
		lot := d.lots[id]
		if lot == nil || lot.UserID != userID || lot.Class != class {
			continue
		}
		if tier != "" && lot.Tier != tier {
			continue
		}
		out = append(out, *lot)
	}
	return out
}

func (d *memData) updateLotSold(lotID string, soldShares int64) error {
	lot, ok := d.lots[lotID]
	if !ok {
		return ErrNotFound
	}
	if soldShares < 0 || soldShares > lot.OriginalShares {
		return fmt.Errorf("lot %s: sold_shares %d out of range [0,%d]", lotID, soldShares, lot.OriginalShares)
	}
	lot.SoldShares = soldShares
	return nil
}

func (d *memData) createTransfer(t *model.TransferRecord) error {
	if _, ok := d.transfers[t.ID]; ok {
		return fmt.Errorf("transfer %s already exists", t.ID)
	}
	cp := *t
	d.transfers[t.ID] = &cp
	d.trOrder = append(d.trOrder, t.ID)
	return nil
}

func (d *memData) getTransfer(id string) (*model.TransferRecord, error) {
	t, ok := d.transfers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (d *memData) updateTransfer(t *model.TransferRecord) error {
	if _, ok := d.transfers[t.ID]; !ok {
		return ErrNotFound
	}
	cp := *t
	d.transfers[t.ID] = &cp
	return nil
}

func matchTransfer(t *model.TransferRecord, f TransferFilter) bool {
	if f.EitherPartyID != "" && t.FromUserID != f.EitherPartyID && t.ToUserID != f.EitherPartyID {
		return false
	}
	if f.OfferID != "" && t.OfferID != f.OfferID {
		return false
	}
	if f.ListingID != "" && t.ListingID != f.ListingID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if !f.CreatedAfter.IsZero() && t.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	return true
}

func (d *memData) listTransfers(f TransferFilter) []model.TransferRecord {
	out := make([]model.TransferRecord, 0)
	// Walk in reverse insertion order: newest first.
	for i := len(d.trOrder) - 1; i >= 0; i-- {
		t := d.transfers[d.trOrder[i]]
		if t != nil && matchTransfer(t, f) {
			out = append(out, *t)
		}
	}
	return page(out, f.Offset, f.Limit)
}

func (d *memData) completedSharesForBuyer(listingID, buyerID string) int64 {
	var total int64
	for _, t := range d.transfers {
		if t.ListingID == listingID && t.ToUserID == buyerID && t.Status == model.RecordCompleted {
			total += t.ShareCount
		}
	}
	return total
}

func (d *memData) settledValueByCurrency(since time.Time) map[model.Currency]decimal.Decimal {
	out := make(map[model.Currency]decimal.Decimal)
	for _, t := range d.transfers {
		if t.Status != model.RecordCompleted {
			continue
		}
		if !since.IsZero() && t.CreatedAt.Before(since) {
			continue
		}
		out[t.Currency] = out[t.Currency].Add(t.TotalPrice)
	}
	return out
}

func (d *memData) appendAudit(e *model.AuditEntry) error {
	d.audits = append(d.audits, *e)
	return nil
}

func (d *memData) listAudit(f AuditFilter) []model.AuditEntry {
	out := make([]model.AuditEntry, 0)
	for i := len(d.audits) - 1; i >= 0; i-- {
		e := d.audits[i]
		if f.AdminID != "" && e.AdminID != f.AdminID {
			continue
		}
		if f.TargetID != "" && e.TargetID != f.TargetID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		out = append(out, e)
	}
	return page(out, f.Offset, f.Limit)
}

func page[T any](in []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(in) {
			return []T{}
		}
		in = in[offset:]
	}
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}
