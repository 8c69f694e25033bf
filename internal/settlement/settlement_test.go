package settlement_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharemkt/settlement-engine/internal/apperr"
	"github.com/sharemkt/settlement-engine/internal/clock"
	"github.com/sharemkt/settlement-engine/internal/inventory"
	"github.com/sharemkt/settlement-engine/internal/model"
	"github.com/sharemkt/settlement-engine/internal/notify"
	"github.com/sharemkt/settlement-engine/internal/settlement"
	"github.com/sharemkt/settlement-engine/internal/store"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	store *store.MemoryStore
	coord *settlement.Coordinator
	sent  []string // notification subjects, in order
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{store: store.NewMemoryStore()}
	notifier := notify.Func(func(_ context.Context, _, subject, _ string) error {
		e.sent = append(e.sent, subject)
		return nil
	})
	e.coord = settlement.NewCoordinator(e.store, notifier, nil, clock.Fixed(t0))
	return e
}

func (e *env) seedShares(t *testing.T, user string, n int64) {
	t.Helper()
	require.NoError(t, e.store.CreateLot(context.Background(), &model.InventoryLot{
		ID:             model.NewLotID(),
		UserID:         user,
		Class:          model.ClassRegular,
		Tier:           "starter",
		OriginalShares: n,
		Status:         model.LotCompleted,
		CreatedAt:      t0.Add(-24 * time.Hour),
	}))
}

func (e *env) seedListing(t *testing.T, seller string, shares int64) *model.Listing {
	t.Helper()
	l := &model.Listing{
		ID:            model.NewListingID(t0),
		SellerID:      seller,
		Kind:          model.KindWholeShare,
		Class:         model.ClassRegular,
		Tier:          "starter",
		TotalShares:   shares,
		PricePerShare: decimal.NewFromInt(1000),
		Currency:      model.CurrencyNaira,
		Methods:       []model.PaymentMethod{model.MethodBankTransfer},
		MinPerBuy:     1,
		Status:        model.ListingActive,
		IsPublic:      true,
		CreatedAt:     t0.Add(-time.Hour),
		ExpiresAt:     t0.Add(30 * 24 * time.Hour),
	}
	require.NoError(t, e.store.CreateListing(context.Background(), l))
	return l
}

func (e *env) seedOffer(t *testing.T, l *model.Listing, buyer string, shares int64, status model.OfferStatus) *model.Offer {
	t.Helper()
	accepted := t0.Add(-30 * time.Minute)
	deadline := accepted.Add(48 * time.Hour)
	o := &model.Offer{
		ID:                   model.NewOfferID(t0),
		ListingID:            l.ID,
		SellerID:             l.SellerID,
		BuyerID:              buyer,
		Shares:               shares,
		PricePerShare:        l.PricePerShare,
		Currency:             l.Currency,
		TotalPrice:           l.PricePerShare.Mul(decimal.NewFromInt(shares)),
		PaymentMethod:        model.MethodBankTransfer,
		Status:               status,
		PaymentStatus:        model.PaymentProcessing,
		TransferStatus:       model.TransferPending,
		TransactionReference: "TXN-123",
		CreatedAt:            t0.Add(-time.Hour),
		ExpiresAt:            t0.Add(23 * time.Hour),
		AcceptedAt:           &accepted,
		PaymentDeadline:      &deadline,
	}
	require.NoError(t, e.store.CreateOffer(context.Background(), o))
	return o
}

func available(t *testing.T, e *env, user string) int64 {
	t.Helper()
	n, err := inventory.AvailableFor(context.Background(), e.store, user, model.ClassRegular, "starter")
	require.NoError(t, err)
	return n
}

func TestConfirm_HappyPath(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedShares(t, "seller", 100)
	l := e.seedListing(t, "seller", 40)
	o := e.seedOffer(t, l, "buyer", 40, model.OfferInPayment)

	rec, err := e.coord.Confirm(ctx, o.ID, "seller", "payment received")
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, model.TransferSale, rec.Type)
	assert.Equal(t, model.RecordCompleted, rec.Status)
	assert.Equal(t, "seller", rec.FromUserID)
	assert.Equal(t, "buyer", rec.ToUserID)
	assert.Equal(t, int64(40), rec.ShareCount)
	assert.True(t, rec.PaymentVerified)
	assert.Equal(t, "manual_review", rec.Verification.Method)
	assert.Equal(t, "TXN-123", rec.Verification.Proof)

	assert.Equal(t, int64(60), available(t, e, "seller"))
	assert.Equal(t, int64(40), available(t, e, "buyer"))

	got, err := e.store.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ListingSold, got.Status)
	assert.Equal(t, int64(40), got.SoldShares)

	offer, err := e.store.GetOffer(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OfferCompleted, offer.Status)
	assert.Equal(t, model.PaymentCompleted, offer.PaymentStatus)
	assert.Equal(t, model.TransferTransferred, offer.TransferStatus)
	require.NotNil(t, offer.CompletedAt)
	assert.Nil(t, offer.CancelledAt)

	assert.Len(t, e.sent, 2, "buyer and seller each notified")
}

func TestConfirm_Idempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedShares(t, "seller", 100)
	l := e.seedListing(t, "seller", 40)
	o := e.seedOffer(t, l, "buyer", 40, model.OfferInPayment)

	first, err := e.coord.Confirm(ctx, o.ID, "seller", "")
	require.NoError(t, err)

	second, err := e.coord.Confirm(ctx, o.ID, "seller", "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "re-confirm returns the existing transfer")

	assert.Equal(t, int64(60), available(t, e, "seller"), "inventory unchanged by re-confirm")
	assert.Equal(t, int64(40), available(t, e, "buyer"))
}

func TestConfirm_OnlySeller(t *testing.T) {
	e := newEnv(t)
	e.seedShares(t, "seller", 100)
	l := e.seedListing(t, "seller", 40)
	o := e.seedOffer(t, l, "buyer", 40, model.OfferInPayment)

	_, err := e.coord.Confirm(context.Background(), o.ID, "buyer", "")
	assert.True(t, apperr.IsKind(err, apperr.KindAuthorization))
}

func TestConfirm_WrongState(t *testing.T) {
	e := newEnv(t)
	e.seedShares(t, "seller", 100)
	l := e.seedListing(t, "seller", 40)
	o := e.seedOffer(t, l, "buyer", 40, model.OfferAccepted)

	_, err := e.coord.Confirm(context.Background(), o.ID, "seller", "")
	assert.True(t, apperr.IsKind(err, apperr.KindState))
}

func TestConfirm_UnknownOffer(t *testing.T) {
	e := newEnv(t)
	_, err := e.coord.Confirm(context.Background(), "OFR-missing", "seller", "")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestConfirm_PartialFills(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedShares(t, "seller", 100)
	l := e.seedListing(t, "seller", 100)
	oa := e.seedOffer(t, l, "buyerA", 60, model.OfferInPayment)
	ob := e.seedOffer(t, l, "buyerB", 40, model.OfferInPayment)

	_, err := e.coord.Confirm(ctx, oa.ID, "seller", "")
	require.NoError(t, err)

	mid, err := e.store.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ListingPartiallySold, mid.Status)
	assert.Equal(t, int64(40), mid.Remaining())

	_, err = e.coord.Confirm(ctx, ob.ID, "seller", "")
	require.NoError(t, err)

	final, err := e.store.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ListingSold, final.Status)

	assert.Equal(t, int64(0), available(t, e, "seller"))
	assert.Equal(t, int64(60), available(t, e, "buyerA"))
	assert.Equal(t, int64(40), available(t, e, "buyerB"))

	transfers, err := e.store.ListTransfers(ctx, store.TransferFilter{ListingID: l.ID})
	require.NoError(t, err)
	assert.Len(t, transfers, 2)
}

func TestConfirm_OversubscriptionLoserGetsListingExhausted(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedShares(t, "seller", 100)
	l := e.seedListing(t, "seller", 50)
	winner := e.seedOffer(t, l, "buyerA", 50, model.OfferInPayment)
	loser := e.seedOffer(t, l, "buyerB", 50, model.OfferInPayment)

	_, err := e.coord.Confirm(ctx, winner.ID, "seller", "")
	require.NoError(t, err)

	_, err = e.coord.Confirm(ctx, loser.ID, "seller", "")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindListingExhausted))

	// The loser stays in_payment for an operator to resolve; nothing moved.
	stale, err := e.store.GetOffer(ctx, loser.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OfferInPayment, stale.Status)
	assert.Equal(t, int64(50), available(t, e, "buyerA"))
	assert.Equal(t, int64(0), available(t, e, "buyerB"))
}

func TestConfirm_InsufficientInventoryAborts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedShares(t, "seller", 20) // less than the offer size
	l := e.seedListing(t, "seller", 40)
	o := e.seedOffer(t, l, "buyer", 40, model.OfferInPayment)

	_, err := e.coord.Confirm(ctx, o.ID, "seller", "")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindInsufficientInventory))

	// No partial state: offer still in_payment, listing untouched, no
	// transfer record, seller lots intact.
	offer, err := e.store.GetOffer(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OfferInPayment, offer.Status)

	got, err := e.store.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.SoldShares)

	transfers, err := e.store.ListTransfers(ctx, store.TransferFilter{OfferID: o.ID})
	require.NoError(t, err)
	assert.Empty(t, transfers)
	assert.Equal(t, int64(20), available(t, e, "seller"))
}

func TestConfirm_NotificationFailureDoesNotFail(t *testing.T) {
	e := newEnv(t)
	failing := notify.Func(func(context.Context, string, string, string) error {
		return errors.New("smtp down")
	})
	e.coord = settlement.NewCoordinator(e.store, failing, nil, clock.Fixed(t0))

	e.seedShares(t, "seller", 100)
	l := e.seedListing(t, "seller", 40)
	o := e.seedOffer(t, l, "buyer", 40, model.OfferInPayment)

	rec, err := e.coord.Confirm(context.Background(), o.ID, "seller", "")
	require.NoError(t, err)
	assert.Equal(t, model.RecordCompleted, rec.Status)
}

func TestForceComplete_FromInPayment(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedShares(t, "seller", 100)
	l := e.seedListing(t, "seller", 40)
	o := e.seedOffer(t, l, "buyer", 40, model.OfferInPayment)

	rec, err := e.coord.ForceComplete(ctx, o.ID, settlement.ForceOptions{
		AdminID: "admin1",
		Reason:  "bank statement verified",
		Proof:   "statement-ref-9",
	})
	require.NoError(t, err)

	assert.Equal(t, model.TransferAdminForcedSale, rec.Type)
	assert.Equal(t, "admin_forced", rec.Verification.Method)
	assert.Equal(t, "admin1", rec.Verification.By)

	offer, err := e.store.GetOffer(ctx, o.ID)
	require.NoError(t, err)
	require.NotNil(t, offer.AdminForced)
	assert.Equal(t, "bank statement verified", offer.AdminForced.Reason)

	assert.Equal(t, int64(60), available(t, e, "seller"))
	assert.Equal(t, int64(40), available(t, e, "buyer"))

	audits, err := e.store.ListAudit(ctx, store.AuditFilter{TargetID: o.ID})
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "force_complete", audits[0].Action)
	assert.Equal(t, "bank statement verified", audits[0].Reason)
}

func TestForceComplete_RequiresReason(t *testing.T) {
	e := newEnv(t)
	_, err := e.coord.ForceComplete(context.Background(), "OFR-x", settlement.ForceOptions{AdminID: "admin1"})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestForceComplete_DisputedWithMediationRefund(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedShares(t, "seller", 100)
	l := e.seedListing(t, "seller", 40)
	o := e.seedOffer(t, l, "buyer", 40, model.OfferDisputed)

	half := o.TotalPrice.Div(decimal.NewFromInt(2))
	rec, err := e.coord.ForceComplete(ctx, o.ID, settlement.ForceOptions{
		AdminID:      "admin1",
		Reason:       "Dispute resolved: mediation",
		Resolution:   "mediation",
		RefundAmount: &half,
	})
	require.NoError(t, err)
	assert.Equal(t, model.RecordCompleted, rec.Status)

	offer, err := e.store.GetOffer(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OfferCompleted, offer.Status)
	require.NotNil(t, offer.DisputeResolution)
	assert.Equal(t, "mediation", offer.DisputeResolution.Decision)
	require.NotNil(t, offer.Refund)
	assert.True(t, offer.Refund.Amount.Equal(half), "refund record is half the trade value")

	// Inventory still moves under mediation.
	assert.Equal(t, int64(40), available(t, e, "buyer"))

	audits, err := e.store.ListAudit(ctx, store.AuditFilter{TargetID: o.ID})
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "resolve_dispute", audits[0].Action)
}

func TestForceComplete_IdempotentOnCompleted(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedShares(t, "seller", 100)
	l := e.seedListing(t, "seller", 40)
	o := e.seedOffer(t, l, "buyer", 40, model.OfferInPayment)

	first, err := e.coord.Confirm(ctx, o.ID, "seller", "")
	require.NoError(t, err)

	again, err := e.coord.ForceComplete(ctx, o.ID, settlement.ForceOptions{AdminID: "admin1", Reason: "cleanup"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, int64(40), available(t, e, "buyer"), "no double credit")
}

func TestForceComplete_RejectsOtherStates(t *testing.T) {
	e := newEnv(t)
	e.seedShares(t, "seller", 100)
	l := e.seedListing(t, "seller", 40)
	o := e.seedOffer(t, l, "buyer", 40, model.OfferPending)

	_, err := e.coord.ForceComplete(context.Background(), o.ID, settlement.ForceOptions{AdminID: "admin1", Reason: "nope"})
	assert.True(t, apperr.IsKind(err, apperr.KindState))
}

func TestConfirm_PercentageListingAdvancesPercentageSold(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedShares(t, "seller", 1000)

	perShare := decimal.RequireFromString("0.000125")
	l := &model.Listing{
		ID:                   model.NewPercentageListingID("starter", t0),
		SellerID:             "seller",
		Kind:                 model.KindPercentage,
		Class:                model.ClassRegular,
		Tier:                 "starter",
		PricePerShare:        decimal.NewFromInt(1000),
		Currency:             model.CurrencyNaira,
		Methods:              []model.PaymentMethod{model.MethodBankTransfer},
		MinPerBuy:            1,
		Status:               model.ListingActive,
		IsPublic:             true,
		CreatedAt:            t0.Add(-time.Hour),
		ExpiresAt:            t0.Add(30 * 24 * time.Hour),
		PercentageOfHoldings: decimal.NewFromInt(10),
		TotalSharesInTier:    1000,
		ActualShares:         100,
		PercentPerShare:      perShare,
	}
	require.NoError(t, e.store.CreateListing(ctx, l))
	o := e.seedOffer(t, l, "buyer", 40, model.OfferInPayment)

	rec, err := e.coord.Confirm(ctx, o.ID, "seller", "")
	require.NoError(t, err)
	assert.Equal(t, model.TransferPercentageSale, rec.Type)

	got, err := e.store.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ListingPartiallySold, got.Status)
	assert.Equal(t, int64(40), got.SharesSold)
	assert.Equal(t, int64(60), got.Remaining())
	assert.True(t, got.PercentageSold.Equal(perShare.Mul(decimal.NewFromInt(40))))
}

func TestSettlement_ConservesInventoryAcrossUsers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedShares(t, "seller", 100)
	e.seedShares(t, "buyer", 10)
	l := e.seedListing(t, "seller", 70)
	o := e.seedOffer(t, l, "buyer", 70, model.OfferInPayment)

	before := available(t, e, "seller") + available(t, e, "buyer")
	_, err := e.coord.Confirm(ctx, o.ID, "seller", "")
	require.NoError(t, err)
	after := available(t, e, "seller") + available(t, e, "buyer")

	assert.Equal(t, before, after, "settlement moves shares, never mints or burns them")
}
