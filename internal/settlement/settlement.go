// Package settlement executes the atomic trade transition inside a single
// serializable transaction: seller inventory debited, buyer inventory
// credited, listing advanced, offer closed, and an immutable TransferRecord
// written. This is the only path that both debits seller and credits buyer;
// admin force-complete reuses it.
package settlement

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sharemkt/settlement-engine/internal/apperr"
	"github.com/sharemkt/settlement-engine/internal/clock"
	"github.com/sharemkt/settlement-engine/internal/events"
	"github.com/sharemkt/settlement-engine/internal/inventory"
	"github.com/sharemkt/settlement-engine/internal/metrics"
	"github.com/sharemkt/settlement-engine/internal/model"
	"github.com/sharemkt/settlement-engine/internal/notify"
	"github.com/sharemkt/settlement-engine/internal/store"
)

// Coordinator drives settlements. Safe for concurrent use; all shared state
// lives in the store.
type Coordinator struct {
	store    store.Store
	notifier notify.Notifier
	hub      *events.Hub
	now      clock.Clock
}

// NewCoordinator creates a settlement coordinator. hub may be nil.
func NewCoordinator(st store.Store, notifier notify.Notifier, hub *events.Hub, now clock.Clock) *Coordinator {
	return &Coordinator{store: st, notifier: notifier, hub: hub, now: now}
}

// ForceOptions parameterize an administrative settlement.
type ForceOptions struct {
	AdminID string
	Reason  string
	Notes   string
	Proof   string
	// Resolution, when non-empty, records the dispute decision that led
	// here (award_seller, mediation).
	Resolution string
	// RefundAmount, when non-nil, is written as an information-only refund
	// record on the offer (mediation writes half the trade value).
	RefundAmount *decimal.Decimal
}

// Confirm is the seller's payment confirmation on an in_payment offer: the
// hot path. Idempotent: confirming an already-completed offer returns the
// existing transfer without touching inventory.
func (c *Coordinator) Confirm(ctx context.Context, offerID, sellerID, note string) (*model.TransferRecord, error) {
	start := time.Now()
	var rec *model.TransferRecord

	err := c.store.WithTx(ctx, func(tx store.Tx) error {
		offer, err := loadOffer(ctx, tx, offerID)
		if err != nil {
			return err
		}
		if offer.SellerID != sellerID {
			return apperr.Authorization("only the seller may confirm payment on offer %s", offerID)
		}
		if offer.Status == model.OfferCompleted {
			rec, err = completedTransfer(ctx, tx, offerID)
			return err
		}
		if offer.Status != model.OfferInPayment {
			return apperr.State("offer %s is %s; payment can only be confirmed in_payment", offerID, offer.Status)
		}
		if note != "" {
			offer.SellerNote = note
		}

		transferType := model.TransferSale
		listing, err := tx.GetListingForUpdate(ctx, offer.ListingID)
		if err != nil {
			return apperr.Dependency(err, "load listing %s", offer.ListingID)
		}
		if listing.Kind == model.KindPercentage {
			transferType = model.TransferPercentageSale
		}

		rec, err = c.settle(ctx, tx, offer, listing, transferType, model.Verification{
			By:     sellerID,
			Method: "manual_review",
			Proof:  offer.TransactionReference,
			At:     c.now(),
		}, nil)
		return err
	})
	if err != nil {
		metrics.SettlementFailures.WithLabelValues(apperr.KindOf(err).String()).Inc()
		return nil, err
	}

	c.afterCommit(ctx, rec, start)
	return rec, nil
}

// ForceComplete is the administrative settlement: same transition, same
// inventory checks, plus provenance stamps and an audit entry in the same
// transaction. Legal on in_payment and disputed offers. Idempotent on
// completed offers.
func (c *Coordinator) ForceComplete(ctx context.Context, offerID string, opts ForceOptions) (*model.TransferRecord, error) {
	if opts.Reason == "" {
		return nil, apperr.Validation("a reason is required to force-complete an offer")
	}
	start := time.Now()
	var rec *model.TransferRecord

	err := c.store.WithTx(ctx, func(tx store.Tx) error {
		offer, err := loadOffer(ctx, tx, offerID)
		if err != nil {
			return err
		}
		if offer.Status == model.OfferCompleted {
			rec, err = completedTransfer(ctx, tx, offerID)
			return err
		}
		if offer.Status != model.OfferInPayment && offer.Status != model.OfferDisputed {
			return apperr.State("offer %s is %s; force-complete applies to in_payment or disputed offers", offerID, offer.Status)
		}

		listing, err := tx.GetListingForUpdate(ctx, offer.ListingID)
		if err != nil {
			return apperr.Dependency(err, "load listing %s", offer.ListingID)
		}

		now := c.now()
		offer.AdminForced = &model.AdminForcedCompletion{
			By:     opts.AdminID,
			Reason: opts.Reason,
			Notes:  opts.Notes,
			At:     now,
		}
		if opts.Resolution != "" {
			offer.DisputeResolution = &model.DisputeResolution{
				Decision: opts.Resolution,
				By:       opts.AdminID,
				Notes:    opts.Notes,
				At:       now,
			}
		}
		if opts.RefundAmount != nil {
			offer.Refunded = true
			offer.Refund = &model.Refund{
				Amount: *opts.RefundAmount,
				Reason: opts.Reason,
				By:     opts.AdminID,
				At:     now,
			}
		}

		rec, err = c.settle(ctx, tx, offer, listing, model.TransferAdminForcedSale, model.Verification{
			By:     opts.AdminID,
			Method: "admin_forced",
			Proof:  opts.Proof,
			At:     now,
		}, nil)
		if err != nil {
			return err
		}

		action := "force_complete"
		details := "transfer " + rec.ID
		if opts.Resolution != "" {
			action = "resolve_dispute"
			details = opts.Resolution + ", transfer " + rec.ID
		}
		return tx.AppendAudit(ctx, &model.AuditEntry{
			ID:         model.NewAuditID(),
			AdminID:    opts.AdminID,
			Action:     action,
			TargetKind: "offer",
			TargetID:   offerID,
			Details:    details,
			Reason:     opts.Reason,
			At:         now,
		})
	})
	if err != nil {
		metrics.SettlementFailures.WithLabelValues(apperr.KindOf(err).String()).Inc()
		return nil, err
	}

	metrics.AdminActions.WithLabelValues("force_complete").Inc()
	c.afterCommit(ctx, rec, start)
	return rec, nil
}

// settle performs the transfer against rows already loaded with write
// intent. Any error aborts the caller's transaction.
func (c *Coordinator) settle(ctx context.Context, tx store.Tx, offer *model.Offer, listing *model.Listing,
	transferType model.TransferType, verification model.Verification, completedAt *time.Time) (*model.TransferRecord, error) {

	now := c.now()
	if completedAt == nil {
		completedAt = &now
	}

	// The trade size is immutable; lot consumption uses its own counter
	// inside inventory.Debit.
	shares := offer.Shares
	if shares > listing.Remaining() {
		return nil, apperr.ListingExhausted(
			"listing %s has %d shares remaining, offer %s needs %d",
			listing.ID, listing.Remaining(), offer.ID, shares)
	}

	rec := &model.TransferRecord{
		ID:              model.NewTransferID(now),
		FromUserID:      offer.SellerID,
		ToUserID:        offer.BuyerID,
		Class:           listing.Class,
		Tier:            listing.Tier,
		ShareCount:      shares,
		PricePerShare:   offer.PricePerShare,
		TotalPrice:      offer.TotalPrice,
		Currency:        offer.Currency,
		OfferID:         offer.ID,
		ListingID:       listing.ID,
		Type:            transferType,
		Status:          model.RecordInProgress,
		PaymentVerified: true,
		Verification:    verification,
		CreatedAt:       now,
	}
	if err := tx.CreateTransfer(ctx, rec); err != nil {
		return nil, apperr.Dependency(err, "create transfer record")
	}

	if err := inventory.Debit(ctx, tx, offer.SellerID, listing.Class, listing.Tier, shares); err != nil {
		return nil, err
	}
	if err := inventory.Credit(ctx, tx, offer.BuyerID, listing.Class, listing.Tier, shares, model.LotOrigin{
		Kind:       transferType,
		FromUserID: offer.SellerID,
		OfferID:    offer.ID,
	}, now); err != nil {
		return nil, err
	}

	if listing.Kind == model.KindPercentage {
		listing.SharesSold += shares
		listing.PercentageSold = listing.PercentageSold.Add(
			decimal.NewFromInt(shares).Mul(listing.PercentPerShare))
	} else {
		listing.SoldShares += shares
	}
	if listing.Remaining() == 0 {
		listing.Status = model.ListingSold
	} else {
		listing.Status = model.ListingPartiallySold
	}
	if err := tx.UpdateListing(ctx, listing); err != nil {
		return nil, apperr.Dependency(err, "advance listing %s", listing.ID)
	}

	offer.Status = model.OfferCompleted
	offer.PaymentStatus = model.PaymentCompleted
	offer.TransferStatus = model.TransferTransferred
	offer.CompletedAt = completedAt
	if err := tx.UpdateOffer(ctx, offer); err != nil {
		return nil, apperr.Dependency(err, "close offer %s", offer.ID)
	}

	rec.Status = model.RecordCompleted
	rec.CompletedAt = completedAt
	if err := tx.UpdateTransfer(ctx, rec); err != nil {
		return nil, apperr.Dependency(err, "finalize transfer %s", rec.ID)
	}
	return rec, nil
}

// afterCommit handles the post-commit side effects. Notification failures
// are logged and never roll back the settlement.
func (c *Coordinator) afterCommit(ctx context.Context, rec *model.TransferRecord, start time.Time) {
	if rec == nil {
		return
	}
	metrics.SettlementsTotal.WithLabelValues(string(rec.Type)).Inc()
	metrics.SettlementLatency.WithLabelValues(string(rec.Type)).Observe(time.Since(start).Seconds())

	c.notifyQuietly(ctx, rec.ToUserID, "Shares received",
		"Your purchase of "+strconv.FormatInt(rec.ShareCount, 10)+" shares has settled. Transfer "+rec.ID+".")
	c.notifyQuietly(ctx, rec.FromUserID, "Sale completed",
		"Your sale of "+strconv.FormatInt(rec.ShareCount, 10)+" shares has settled. Transfer "+rec.ID+".")

	c.hub.Broadcast(events.Event{
		Type:       events.TypeTradeSettled,
		ListingID:  rec.ListingID,
		OfferID:    rec.OfferID,
		TransferID: rec.ID,
		Shares:     rec.ShareCount,
		Price:      rec.PricePerShare.String(),
		Currency:   string(rec.Currency),
	})

	slog.Info("trade settled",
		"transfer_id", rec.ID,
		"offer_id", rec.OfferID,
		"listing_id", rec.ListingID,
		"from", rec.FromUserID,
		"to", rec.ToUserID,
		"shares", rec.ShareCount,
		"total", rec.TotalPrice.String(),
		"type", string(rec.Type),
	)
}

func (c *Coordinator) notifyQuietly(ctx context.Context, userID, subject, body string) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Send(ctx, userID, subject, body); err != nil {
		metrics.NotifyFailures.Inc()
		slog.Error("notification failed", "user", userID, "subject", subject, "err", err)
	}
}

func loadOffer(ctx context.Context, tx store.Tx, offerID string) (*model.Offer, error) {
	offer, err := tx.GetOfferForUpdate(ctx, offerID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperr.NotFound("offer %s not found", offerID)
		}
		return nil, apperr.Dependency(err, "load offer %s", offerID)
	}
	return offer, nil
}

func completedTransfer(ctx context.Context, tx store.Tx, offerID string) (*model.TransferRecord, error) {
	transfers, err := tx.ListTransfers(ctx, store.TransferFilter{OfferID: offerID, Status: model.RecordCompleted, Limit: 1})
	if err != nil {
		return nil, apperr.Dependency(err, "load transfer for offer %s", offerID)
	}
	if len(transfers) == 0 {
		return nil, apperr.State("offer %s is completed but has no transfer record", offerID)
	}
	return &transfers[0], nil
}
