// Package offer provides the HTTP handlers and protocol state machine for
// purchase offers: pending → accepted → in_payment → completed, with
// decline, expiry, and cascade paths ending in cancelled.
//
// Deadlines are enforced lazily on the transition paths; no sweeper runs.
package offer

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/sharemkt/settlement-engine/internal/apperr"
	"github.com/sharemkt/settlement-engine/internal/blob"
	"github.com/sharemkt/settlement-engine/internal/clock"
	"github.com/sharemkt/settlement-engine/internal/events"
	"github.com/sharemkt/settlement-engine/internal/httpx"
	"github.com/sharemkt/settlement-engine/internal/identity"
	"github.com/sharemkt/settlement-engine/internal/metrics"
	"github.com/sharemkt/settlement-engine/internal/model"
	"github.com/sharemkt/settlement-engine/internal/notify"
	"github.com/sharemkt/settlement-engine/internal/settlement"
	"github.com/sharemkt/settlement-engine/internal/store"
)

const (
	pendingTTL      = 24 * time.Hour
	paymentDeadline = 48 * time.Hour
)

// Service handles offer operations.
type Service struct {
	store      store.Store
	settlement *settlement.Coordinator
	blobs      blob.Store
	notifier   notify.Notifier
	hub        *events.Hub
	now        clock.Clock
	validate   *validator.Validate
}

// NewService creates an offer service. blobs, notifier and hub may be nil.
func NewService(st store.Store, coord *settlement.Coordinator, blobs blob.Store, notifier notify.Notifier, hub *events.Hub, now clock.Clock) *Service {
	return &Service{
		store:      st,
		settlement: coord,
		blobs:      blobs,
		notifier:   notifier,
		hub:        hub,
		now:        now,
		validate:   validator.New(),
	}
}

// --- Request/Response types ---

// CreateOfferRequest is the JSON body for POST /api/v1/offers.
type CreateOfferRequest struct {
	ListingID     string              `json:"listing_id" validate:"required"`
	Shares        int64               `json:"shares" validate:"required,gt=0"`
	PaymentMethod model.PaymentMethod `json:"payment_method" validate:"required"`
	BuyerNote     string              `json:"buyer_note,omitempty"`
}

// AcceptOfferRequest is the JSON body for POST /api/v1/offers/{id}/accept.
type AcceptOfferRequest struct {
	SellerNote string `json:"seller_note,omitempty"`
}

// DeclineOfferRequest is the JSON body for POST /api/v1/offers/{id}/decline.
type DeclineOfferRequest struct {
	Reason string `json:"reason,omitempty"`
}

// SubmitPaymentRequest is the JSON body for POST /api/v1/offers/{id}/payment.
// Proof is an optional base64-encoded receipt image or document.
type SubmitPaymentRequest struct {
	TransactionReference string                      `json:"transaction_reference" validate:"required"`
	Details              *model.PaymentMethodDetails `json:"payment_details,omitempty"`
	Proof                string                      `json:"proof,omitempty"`
	ProofContentType     string                      `json:"proof_content_type,omitempty"`
}

// ConfirmPaymentRequest is the JSON body for POST /api/v1/offers/{id}/confirm.
type ConfirmPaymentRequest struct {
	SellerNote string `json:"seller_note,omitempty"`
}

// OffersPage is a paginated offer list.
type OffersPage struct {
	Offers []model.Offer `json:"offers"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// TransfersPage is a paginated transfer history.
type TransfersPage struct {
	Transfers []model.TransferRecord `json:"transfers"`
	Limit     int                    `json:"limit"`
	Offset    int                    `json:"offset"`
}

// --- HTTP Handlers ---

// Create handles POST /api/v1/offers.
func (s *Service) Create(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.FromContext(r.Context())

	var req CreateOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		httpx.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !model.ValidPaymentMethod(req.PaymentMethod) {
		httpx.WriteError(w, "unsupported payment method", http.StatusBadRequest)
		return
	}

	var offer *model.Offer
	err := s.store.WithTx(r.Context(), func(tx store.Tx) error {
		listing, err := tx.GetListing(r.Context(), req.ListingID)
		if err != nil {
			if err == store.ErrNotFound {
				return apperr.NotFound("listing %s not found", req.ListingID)
			}
			return apperr.Dependency(err, "load listing %s", req.ListingID)
		}

		now := s.now()
		if listing.SellerID == p.UserID {
			return apperr.Validation("you cannot buy from your own listing")
		}
		if !listing.Transactable(now) {
			if listing.Expired(now) {
				return apperr.Deadline("listing %s has expired", listing.ID)
			}
			return apperr.State("listing %s is %s and not accepting offers", listing.ID, listing.Status)
		}
		if !listing.AcceptsMethod(req.PaymentMethod) {
			return apperr.Validation("listing %s does not accept %s", listing.ID, req.PaymentMethod)
		}
		if req.Shares < listing.MinPerBuy {
			return apperr.Validation("minimum purchase on this listing is %d shares", listing.MinPerBuy)
		}
		if req.Shares > listing.Remaining() {
			return apperr.Validation("only %d shares remain on listing %s", listing.Remaining(), listing.ID)
		}
		if listing.MaxPerBuyer > 0 {
			prior, err := tx.CompletedSharesForBuyer(r.Context(), listing.ID, p.UserID)
			if err != nil {
				return apperr.Dependency(err, "load buyer history on %s", listing.ID)
			}
			if prior+req.Shares > listing.MaxPerBuyer {
				return apperr.Validation(
					"this listing caps each buyer at %d shares; you already hold %d from it",
					listing.MaxPerBuyer, prior)
			}
		}

		offer = &model.Offer{
			ID:             model.NewOfferID(now),
			ListingID:      listing.ID,
			SellerID:       listing.SellerID,
			BuyerID:        p.UserID,
			Shares:         req.Shares,
			PricePerShare:  listing.PricePerShare,
			Currency:       listing.Currency,
			TotalPrice:     listing.PricePerShare.Mul(decimal.NewFromInt(req.Shares)),
			PaymentMethod:  req.PaymentMethod,
			Status:         model.OfferPending,
			PaymentStatus:  model.PaymentPending,
			TransferStatus: model.TransferPending,
			BuyerNote:      req.BuyerNote,
			CreatedAt:      now,
			ExpiresAt:      now.Add(pendingTTL),
		}
		if err := tx.CreateOffer(r.Context(), offer); err != nil {
			return apperr.Dependency(err, "create offer")
		}
		return nil
	})
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}

	metrics.OffersCreated.Inc()
	s.hub.Broadcast(events.Event{
		Type:      events.TypeOfferCreated,
		ListingID: offer.ListingID,
		OfferID:   offer.ID,
		Shares:    offer.Shares,
		Price:     offer.PricePerShare.String(),
		Currency:  string(offer.Currency),
	})
	s.notifyQuietly(r, offer.SellerID, "New offer received",
		"You have a new offer of "+offer.TotalPrice.String()+" "+string(offer.Currency)+" on listing "+offer.ListingID+".")
	slog.Info("offer created",
		"id", offer.ID,
		"listing", offer.ListingID,
		"buyer", offer.BuyerID,
		"shares", offer.Shares,
		"total", offer.TotalPrice.String(),
	)

	httpx.WriteJSON(w, http.StatusCreated, offer)
}

// Accept handles POST /api/v1/offers/{offerID}/accept. Idempotent: accepting
// an already-accepted offer returns it unchanged.
func (s *Service) Accept(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.FromContext(r.Context())
	id := chi.URLParam(r, "offerID")

	var req AcceptOfferRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	var (
		offer    *model.Offer
		accepted bool
		expired  bool
	)
	err := s.store.WithTx(r.Context(), func(tx store.Tx) error {
		var err error
		offer, err = s.loadForSeller(r, tx, id, p.UserID)
		if err != nil {
			return err
		}
		if offer.Status == model.OfferAccepted {
			return nil // already accepted, idempotent
		}
		if offer.Status != model.OfferPending {
			return apperr.State("offer %s is %s; only pending offers can be accepted", id, offer.Status)
		}

		now := s.now()
		if offer.PendingExpired(now) {
			// Commit the expiry rewrite; the deadline error is surfaced
			// after the transaction so the rewrite is not rolled back.
			expired = true
			return s.lazyExpire(r, tx, offer, now)
		}

		listing, err := tx.GetListing(r.Context(), offer.ListingID)
		if err != nil {
			return apperr.Dependency(err, "load listing %s", offer.ListingID)
		}
		if !listing.Transactable(now) {
			return apperr.State("listing %s is no longer transactable", listing.ID)
		}

		deadline := now.Add(paymentDeadline)
		offer.Status = model.OfferAccepted
		offer.AcceptedAt = &now
		offer.PaymentDeadline = &deadline
		if req.SellerNote != "" {
			offer.SellerNote = req.SellerNote
		}
		if err := tx.UpdateOffer(r.Context(), offer); err != nil {
			return apperr.Dependency(err, "accept offer %s", id)
		}
		accepted = true
		return nil
	})
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	if expired {
		httpx.WriteErr(w, apperr.Deadline("offer %s expired before it was accepted", id))
		return
	}

	if accepted {
		s.hub.Broadcast(events.Event{
			Type:      events.TypeOfferAccepted,
			ListingID: offer.ListingID,
			OfferID:   offer.ID,
			Shares:    offer.Shares,
		})
		s.notifyQuietly(r, offer.BuyerID, "Offer accepted",
			"Your offer on listing "+offer.ListingID+" was accepted. Payment is due by "+offer.PaymentDeadline.Format(time.RFC3339)+".")
		slog.Info("offer accepted", "id", offer.ID, "seller", p.UserID)
	}
	httpx.WriteJSON(w, http.StatusOK, offer)
}

// Decline handles POST /api/v1/offers/{offerID}/decline. Idempotent on
// already-cancelled offers.
func (s *Service) Decline(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.FromContext(r.Context())
	id := chi.URLParam(r, "offerID")

	var req DeclineOfferRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	var (
		offer    *model.Offer
		declined bool
	)
	err := s.store.WithTx(r.Context(), func(tx store.Tx) error {
		var err error
		offer, err = s.loadForSeller(r, tx, id, p.UserID)
		if err != nil {
			return err
		}
		if offer.Status == model.OfferCancelled {
			return nil
		}
		if offer.Status != model.OfferPending {
			return apperr.State("offer %s is %s; only pending offers can be declined", id, offer.Status)
		}

		now := s.now()
		reason := req.Reason
		if reason == "" {
			reason = "Declined by seller"
		}
		offer.Status = model.OfferCancelled
		offer.CancelReason = reason
		offer.CancelledAt = &now
		if err := tx.UpdateOffer(r.Context(), offer); err != nil {
			return apperr.Dependency(err, "decline offer %s", id)
		}
		declined = true
		return nil
	})
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}

	if declined {
		metrics.OffersClosed.WithLabelValues("declined").Inc()
		s.notifyQuietly(r, offer.BuyerID, "Offer declined",
			"Your offer on listing "+offer.ListingID+" was declined.")
		slog.Info("offer declined", "id", offer.ID, "seller", p.UserID)
	}
	httpx.WriteJSON(w, http.StatusOK, offer)
}

// SubmitPayment handles POST /api/v1/offers/{offerID}/payment. Last writer
// wins on the payment-proof fields while the offer is accepted or
// in_payment; completed offers reject the submission.
func (s *Service) SubmitPayment(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.FromContext(r.Context())
	id := chi.URLParam(r, "offerID")

	var req SubmitPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		httpx.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The blob write happens before the transaction; nothing needs rolling
	// back if it fails.
	var proof *model.ProofRef
	if req.Proof != "" {
		data, err := base64.StdEncoding.DecodeString(req.Proof)
		if err != nil {
			httpx.WriteError(w, "proof must be base64 encoded", http.StatusBadRequest)
			return
		}
		if s.blobs == nil {
			httpx.WriteError(w, "payment proof storage is not configured", http.StatusBadGateway)
			return
		}
		proof, err = s.blobs.Put(r.Context(), data, blob.PutOptions{
			Folder:      "payment-proofs",
			ContentType: req.ProofContentType,
		})
		if err != nil {
			httpx.WriteErr(w, apperr.Dependency(err, "store payment proof"))
			return
		}
	}

	var offer *model.Offer
	err := s.store.WithTx(r.Context(), func(tx store.Tx) error {
		var err error
		offer, err = loadOffer(r, tx, id)
		if err != nil {
			return err
		}
		if offer.BuyerID != p.UserID {
			return apperr.Authorization("only the buyer may submit payment on offer %s", id)
		}
		if offer.Status != model.OfferAccepted && offer.Status != model.OfferInPayment {
			return apperr.State("offer %s is %s; payment can be submitted on accepted or in_payment offers", id, offer.Status)
		}

		now := s.now()
		if offer.PaymentOverdue(now) {
			return apperr.Deadline("payment deadline on offer %s passed at %s", id, offer.PaymentDeadline.Format(time.RFC3339))
		}
		if err := req.Details.Validate(offer.PaymentMethod); err != nil {
			return apperr.Validation("%s", err.Error())
		}

		offer.Status = model.OfferInPayment
		offer.PaymentStatus = model.PaymentProcessing
		offer.TransactionReference = req.TransactionReference
		offer.PaymentDetails = req.Details
		if proof != nil {
			offer.PaymentProof = proof
		}
		if err := tx.UpdateOffer(r.Context(), offer); err != nil {
			return apperr.Dependency(err, "record payment on offer %s", id)
		}
		return nil
	})
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}

	s.notifyQuietly(r, offer.SellerID, "Payment submitted",
		"The buyer reports payment of "+offer.TotalPrice.String()+" "+string(offer.Currency)+" on offer "+offer.ID+". Confirm receipt to release the shares.")
	slog.Info("payment submitted", "offer", offer.ID, "buyer", p.UserID, "reference", req.TransactionReference)

	httpx.WriteJSON(w, http.StatusOK, offer)
}

// ConfirmPayment handles POST /api/v1/offers/{offerID}/confirm: the seller's
// attestation that the off-platform payment arrived. Settles the trade.
func (s *Service) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.FromContext(r.Context())
	id := chi.URLParam(r, "offerID")

	var req ConfirmPaymentRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	rec, err := s.settlement.Confirm(r.Context(), id, p.UserID, req.SellerNote)
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	metrics.OffersClosed.WithLabelValues("completed").Inc()
	httpx.WriteJSON(w, http.StatusOK, rec)
}

// Mine handles GET /api/v1/my/offers. type is sent (as buyer), received (as
// seller), or all.
func (s *Service) Mine(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.FromContext(r.Context())
	q := r.URL.Query()

	filter := store.OfferFilter{}
	switch q.Get("type") {
	case "sent":
		filter.BuyerID = p.UserID
	case "received":
		filter.SellerID = p.UserID
	case "", "all":
		filter.EitherPartyID = p.UserID
	default:
		httpx.WriteError(w, "type must be sent, received, or all", http.StatusBadRequest)
		return
	}
	if v := q.Get("status"); v != "" {
		filter.Statuses = []model.OfferStatus{model.OfferStatus(v)}
	}
	filter.Limit, filter.Offset = httpx.PageParams(q.Get("limit"), q.Get("offset"))

	offers, err := s.store.ListOffers(r.Context(), filter)
	if err != nil {
		httpx.WriteErr(w, apperr.Dependency(err, "load offers for %s", p.UserID))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, OffersPage{Offers: offers, Limit: filter.Limit, Offset: filter.Offset})
}

// Transfers handles GET /api/v1/my/transfers.
func (s *Service) Transfers(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.FromContext(r.Context())
	q := r.URL.Query()

	filter := store.TransferFilter{
		EitherPartyID: p.UserID,
		Status:        model.RecordStatus(q.Get("status")),
	}
	filter.Limit, filter.Offset = httpx.PageParams(q.Get("limit"), q.Get("offset"))

	transfers, err := s.store.ListTransfers(r.Context(), filter)
	if err != nil {
		httpx.WriteErr(w, apperr.Dependency(err, "load transfers for %s", p.UserID))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, TransfersPage{Transfers: transfers, Limit: filter.Limit, Offset: filter.Offset})
}

// --- helpers ---

func loadOffer(r *http.Request, tx store.Tx, id string) (*model.Offer, error) {
	offer, err := tx.GetOfferForUpdate(r.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperr.NotFound("offer %s not found", id)
		}
		return nil, apperr.Dependency(err, "load offer %s", id)
	}
	return offer, nil
}

func (s *Service) loadForSeller(r *http.Request, tx store.Tx, id, sellerID string) (*model.Offer, error) {
	offer, err := loadOffer(r, tx, id)
	if err != nil {
		return nil, err
	}
	if offer.SellerID != sellerID {
		return nil, apperr.Authorization("only the seller may act on offer %s", id)
	}
	return offer, nil
}

// lazyExpire rewrites a pending offer whose TTL lapsed.
func (s *Service) lazyExpire(r *http.Request, tx store.Tx, offer *model.Offer, now time.Time) error {
	offer.Status = model.OfferCancelled
	offer.CancelReason = "Offer expired"
	offer.CancelledAt = &now
	if err := tx.UpdateOffer(r.Context(), offer); err != nil {
		return apperr.Dependency(err, "expire offer %s", offer.ID)
	}
	metrics.OffersClosed.WithLabelValues("expired").Inc()
	return nil
}

func (s *Service) notifyQuietly(r *http.Request, userID, subject, body string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(r.Context(), userID, subject, body); err != nil {
		metrics.NotifyFailures.Inc()
		slog.Error("notification failed", "user", userID, "subject", subject, "err", err)
	}
}
