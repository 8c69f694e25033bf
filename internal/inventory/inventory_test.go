package inventory_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharemkt/settlement-engine/internal/apperr"
	"github.com/sharemkt/settlement-engine/internal/inventory"
	"github.com/sharemkt/settlement-engine/internal/model"
	"github.com/sharemkt/settlement-engine/internal/store"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func seedLot(t *testing.T, ms *store.MemoryStore, user string, class model.ShareClass, tier string, orig, sold int64, status model.LotStatus) *model.InventoryLot {
	t.Helper()
	lot := &model.InventoryLot{
		ID:             model.NewLotID(),
		UserID:         user,
		Class:          class,
		Tier:           tier,
		OriginalShares: orig,
		SoldShares:     sold,
		Status:         status,
		CreatedAt:      t0,
	}
	require.NoError(t, ms.CreateLot(context.Background(), lot))
	return lot
}

func TestAvailableFor_CountsOnlyCompletedLots(t *testing.T) {
	ms := store.NewMemoryStore()
	seedLot(t, ms, "u1", model.ClassRegular, "starter", 100, 20, model.LotCompleted)
	seedLot(t, ms, "u1", model.ClassRegular, "starter", 50, 0, model.LotPending)
	seedLot(t, ms, "u1", model.ClassCofounder, "founding", 10, 0, model.LotCompleted)

	got, err := inventory.AvailableFor(context.Background(), ms, "u1", model.ClassRegular, "starter")
	require.NoError(t, err)
	assert.Equal(t, int64(80), got)
}

func TestAvailableFor_UnknownClass(t *testing.T) {
	ms := store.NewMemoryStore()
	_, err := inventory.AvailableFor(context.Background(), ms, "u1", model.ShareClass("preferred"), "")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestSellableFor_SubtractsActiveListings(t *testing.T) {
	ms := store.NewMemoryStore()
	seedLot(t, ms, "u1", model.ClassRegular, "starter", 100, 0, model.LotCompleted)

	require.NoError(t, ms.CreateListing(context.Background(), &model.Listing{
		ID:            model.NewListingID(t0),
		SellerID:      "u1",
		Kind:          model.KindWholeShare,
		Class:         model.ClassRegular,
		Tier:          "starter",
		TotalShares:   40,
		PricePerShare: decimal.NewFromInt(1000),
		Currency:      model.CurrencyNaira,
		Status:        model.ListingActive,
		CreatedAt:     t0,
		ExpiresAt:     t0.Add(30 * 24 * time.Hour),
	}))

	got, err := inventory.SellableFor(context.Background(), ms, "u1", model.ClassRegular, "starter")
	require.NoError(t, err)
	assert.Equal(t, int64(60), got)
}

func TestDebit_ConsumesLotsInInsertionOrder(t *testing.T) {
	ms := store.NewMemoryStore()
	first := seedLot(t, ms, "u1", model.ClassRegular, "starter", 30, 0, model.LotCompleted)
	second := seedLot(t, ms, "u1", model.ClassRegular, "starter", 50, 0, model.LotCompleted)

	err := ms.WithTx(context.Background(), func(tx store.Tx) error {
		return inventory.Debit(context.Background(), tx, "u1", model.ClassRegular, "starter", 40)
	})
	require.NoError(t, err)

	lots, err := ms.ListLots(context.Background(), "u1", model.ClassRegular, "starter")
	require.NoError(t, err)
	require.Len(t, lots, 2)
	for _, lot := range lots {
		switch lot.ID {
		case first.ID:
			assert.Equal(t, int64(30), lot.SoldShares, "first lot drained")
		case second.ID:
			assert.Equal(t, int64(10), lot.SoldShares, "second lot partially consumed")
		}
	}

	avail, err := inventory.AvailableFor(context.Background(), ms, "u1", model.ClassRegular, "starter")
	require.NoError(t, err)
	assert.Equal(t, int64(40), avail)
}

func TestDebit_InsufficientAbortsCleanly(t *testing.T) {
	ms := store.NewMemoryStore()
	seedLot(t, ms, "u1", model.ClassRegular, "starter", 50, 0, model.LotCompleted)

	err := ms.WithTx(context.Background(), func(tx store.Tx) error {
		return inventory.Debit(context.Background(), tx, "u1", model.ClassRegular, "starter", 60)
	})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindInsufficientInventory))

	// The aborted transaction must leave no partial consumption behind.
	avail, err := inventory.AvailableFor(context.Background(), ms, "u1", model.ClassRegular, "starter")
	require.NoError(t, err)
	assert.Equal(t, int64(50), avail)
}

func TestDebit_RejectsNonPositive(t *testing.T) {
	ms := store.NewMemoryStore()
	err := ms.WithTx(context.Background(), func(tx store.Tx) error {
		return inventory.Debit(context.Background(), tx, "u1", model.ClassRegular, "", 0)
	})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestCredit_ThenDebitIsIdentityOnAvailability(t *testing.T) {
	ms := store.NewMemoryStore()
	seedLot(t, ms, "u1", model.ClassRegular, "starter", 100, 0, model.LotCompleted)

	err := ms.WithTx(context.Background(), func(tx store.Tx) error {
		if err := inventory.Debit(context.Background(), tx, "u1", model.ClassRegular, "starter", 25); err != nil {
			return err
		}
		return inventory.Credit(context.Background(), tx, "u1", model.ClassRegular, "starter", 25,
			model.LotOrigin{Kind: model.TransferSale, FromUserID: "u1", OfferID: "OFR-test"}, t0)
	})
	require.NoError(t, err)

	avail, err := inventory.AvailableFor(context.Background(), ms, "u1", model.ClassRegular, "starter")
	require.NoError(t, err)
	assert.Equal(t, int64(100), avail)

	// The lot identities differ: the credit appended a new lot with origin.
	lots, err := ms.ListLots(context.Background(), "u1", model.ClassRegular, "starter")
	require.NoError(t, err)
	require.Len(t, lots, 2)
	assert.NotNil(t, lots[1].Origin)
	assert.Equal(t, "OFR-test", lots[1].Origin.OfferID)
}

func TestCredit_AppendsCompletedLot(t *testing.T) {
	ms := store.NewMemoryStore()
	err := ms.WithTx(context.Background(), func(tx store.Tx) error {
		return inventory.Credit(context.Background(), tx, "buyer", model.ClassCofounder, "founding", 5,
			model.LotOrigin{Kind: model.TransferAdminForcedSale, FromUserID: "seller", OfferID: "OFR-x"}, t0)
	})
	require.NoError(t, err)

	avail, err := inventory.AvailableFor(context.Background(), ms, "buyer", model.ClassCofounder, "founding")
	require.NoError(t, err)
	assert.Equal(t, int64(5), avail)
}
