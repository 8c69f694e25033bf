// Package inventory is the sole authority over per-user share balances.
// Balances are derived from lots; Debit and Credit are only valid inside a
// settlement transaction.
package inventory

import (
	"context"
	"time"

	"github.com/sharemkt/settlement-engine/internal/apperr"
	"github.com/sharemkt/settlement-engine/internal/model"
	"github.com/sharemkt/settlement-engine/internal/store"
)

func validClass(class model.ShareClass) error {
	if class != model.ClassRegular && class != model.ClassCofounder {
		return apperr.Validation("unknown share class %q", class)
	}
	return nil
}

// AvailableFor sums originalShares − soldShares over the user's completed
// lots of the given class and tier (empty tier = all tiers of the class).
func AvailableFor(ctx context.Context, tx store.Tx, userID string, class model.ShareClass, tier string) (int64, error) {
	if err := validClass(class); err != nil {
		return 0, err
	}
	lots, err := tx.ListLots(ctx, userID, class, tier)
	if err != nil {
		return 0, apperr.Dependency(err, "load lots for %s", userID)
	}
	var total int64
	for i := range lots {
		if lots[i].Status != model.LotCompleted {
			continue
		}
		total += lots[i].Remaining()
	}
	return total, nil
}

// ListedFor sums the remaining shares across the user's active listings of
// matching class and tier. Listings are advertisements, not reservations,
// so this is the portion of the balance already promised elsewhere.
func ListedFor(ctx context.Context, tx store.Tx, userID string, class model.ShareClass, tier string) (int64, error) {
	listings, err := tx.ListListings(ctx, store.ListingFilter{
		SellerID: userID,
		Statuses: []model.ListingStatus{model.ListingActive, model.ListingPartiallySold},
		Class:    class,
	})
	if err != nil {
		return 0, apperr.Dependency(err, "load listings for %s", userID)
	}
	var listed int64
	for i := range listings {
		if tier != "" && listings[i].Tier != tier {
			continue
		}
		listed += listings[i].Remaining()
	}
	return listed, nil
}

// SellableFor is available minus listed: what the user can still put up for
// sale without overcommitting.
func SellableFor(ctx context.Context, tx store.Tx, userID string, class model.ShareClass, tier string) (int64, error) {
	available, err := AvailableFor(ctx, tx, userID, class, tier)
	if err != nil {
		return 0, err
	}
	listed, err := ListedFor(ctx, tx, userID, class, tier)
	if err != nil {
		return 0, err
	}
	return available - listed, nil
}

// Debit consumes n shares from the user's completed lots in insertion
// order. The offer's trade size is never mutated; consumption tracks a
// local remaining counter. Fails with InsufficientInventory if the lots
// cannot cover n; the caller's transaction then aborts with no partial
// consumption surviving.
func Debit(ctx context.Context, tx store.Tx, userID string, class model.ShareClass, tier string, n int64) error {
	if err := validClass(class); err != nil {
		return err
	}
	if n <= 0 {
		return apperr.Validation("debit amount must be positive, got %d", n)
	}

	lots, err := tx.ListLotsForUpdate(ctx, userID, class, tier)
	if err != nil {
		return apperr.Dependency(err, "load lots for %s", userID)
	}

	remaining := n
	for i := range lots {
		if remaining == 0 {
			break
		}
		lot := &lots[i]
		if lot.Status != model.LotCompleted {
			continue
		}
		take := lot.Remaining()
		if take == 0 {
			continue
		}
		if take > remaining {
			take = remaining
		}
		if err := tx.UpdateLotSold(ctx, lot.ID, lot.SoldShares+take); err != nil {
			return apperr.Dependency(err, "consume lot %s", lot.ID)
		}
		remaining -= take
	}

	if remaining > 0 {
		return apperr.InsufficientInventory(
			"seller %s holds %d/%d %s shares required", userID, n-remaining, n, class)
	}
	return nil
}

// Credit appends a completed lot of n shares with the given provenance.
// Debit followed by Credit of the same size is the identity on aggregate
// availability; the lot identities differ, which matters for provenance.
func Credit(ctx context.Context, tx store.Tx, userID string, class model.ShareClass, tier string, n int64, origin model.LotOrigin, now time.Time) error {
	if err := validClass(class); err != nil {
		return err
	}
	if n <= 0 {
		return apperr.Validation("credit amount must be positive, got %d", n)
	}
	lot := &model.InventoryLot{
		ID:             model.NewLotID(),
		UserID:         userID,
		Class:          class,
		Tier:           tier,
		OriginalShares: n,
		SoldShares:     0,
		Status:         model.LotCompleted,
		Origin:         &origin,
		CreatedAt:      now,
	}
	if err := tx.CreateLot(ctx, lot); err != nil {
		return apperr.Dependency(err, "credit %d shares to %s", n, userID)
	}
	return nil
}
