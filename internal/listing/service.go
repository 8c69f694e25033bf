// Package listing provides the HTTP handlers and business logic for the
// listing lifecycle: publication, browsing, cancellation with offer cascade.
//
// Listings are advertisements, not reservations. Creating one never mutates
// inventory; availability is contested only at settlement.
package listing

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/sharemkt/settlement-engine/internal/apperr"
	"github.com/sharemkt/settlement-engine/internal/catalog"
	"github.com/sharemkt/settlement-engine/internal/clock"
	"github.com/sharemkt/settlement-engine/internal/events"
	"github.com/sharemkt/settlement-engine/internal/httpx"
	"github.com/sharemkt/settlement-engine/internal/identity"
	"github.com/sharemkt/settlement-engine/internal/inventory"
	"github.com/sharemkt/settlement-engine/internal/metrics"
	"github.com/sharemkt/settlement-engine/internal/model"
	"github.com/sharemkt/settlement-engine/internal/store"
)

const defaultExpiryDays = 30

// Service handles listing operations.
type Service struct {
	store    store.Store
	catalog  catalog.Catalog
	hub      *events.Hub
	now      clock.Clock
	validate *validator.Validate
}

// NewService creates a listing service. hub may be nil.
func NewService(st store.Store, cat catalog.Catalog, hub *events.Hub, now clock.Clock) *Service {
	return &Service{
		store:    st,
		catalog:  cat,
		hub:      hub,
		now:      now,
		validate: validator.New(),
	}
}

// --- Request/Response types ---

// CreateListingRequest is the JSON body for POST /api/v1/listings. Kind
// selects the flavor; percentage listings take Tier + PercentageOfHoldings
// instead of TotalShares.
type CreateListingRequest struct {
	Kind          string                `json:"kind" validate:"omitempty,oneof=whole_share percentage"`
	Class         string                `json:"share_class" validate:"omitempty,oneof=regular cofounder"`
	Tier          string                `json:"tier"`
	TotalShares   int64                 `json:"total_shares"`
	Percentage    decimal.Decimal       `json:"percentage_of_holdings"`
	PricePerShare decimal.Decimal       `json:"price_per_share"`
	Currency      model.Currency        `json:"currency" validate:"required"`
	Methods       []model.PaymentMethod `json:"payment_methods" validate:"required,min=1"`
	BankDetails   *model.BankDetails    `json:"bank_details,omitempty"`
	CryptoWallet  string                `json:"crypto_wallet,omitempty"`
	MinPerBuy     int64                 `json:"min_per_buy"`
	MaxPerBuyer   int64                 `json:"max_per_buyer"`
	ExpiresInDays int                   `json:"expires_in_days" validate:"omitempty,min=1,max=365"`
	IsPublic      *bool                 `json:"is_public,omitempty"`
}

// CancelListingRequest is the JSON body for POST /api/v1/listings/{id}/cancel.
type CancelListingRequest struct {
	Reason string `json:"reason"`
}

// ListingsPage is a paginated browse result.
type ListingsPage struct {
	Listings []model.Listing `json:"listings"`
	Limit    int             `json:"limit"`
	Offset   int             `json:"offset"`
}

// --- HTTP Handlers ---

// Create handles POST /api/v1/listings.
func (s *Service) Create(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.FromContext(r.Context())

	var req CreateListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		httpx.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	kind := model.ListingKind(req.Kind)
	if kind == "" {
		kind = model.KindWholeShare
	}

	var (
		created *model.Listing
		err     error
	)
	if kind == model.KindPercentage {
		created, err = s.createPercentage(r, p.UserID, &req)
	} else {
		created, err = s.createWholeShare(r, p.UserID, &req)
	}
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}

	metrics.ListingsCreated.WithLabelValues(string(created.Kind)).Inc()
	s.hub.Broadcast(events.Event{
		Type:      events.TypeListingCreated,
		ListingID: created.ID,
		Shares:    created.Remaining(),
		Price:     created.PricePerShare.String(),
		Currency:  string(created.Currency),
	})
	slog.Info("listing created",
		"id", created.ID,
		"seller", created.SellerID,
		"kind", string(created.Kind),
		"shares", created.Total(),
		"price", created.PricePerShare.String(),
	)

	httpx.WriteJSON(w, http.StatusCreated, created)
}

func (s *Service) createWholeShare(r *http.Request, sellerID string, req *CreateListingRequest) (*model.Listing, error) {
	if req.TotalShares <= 0 {
		return nil, apperr.Validation("total_shares must be positive")
	}
	class := model.ShareClass(req.Class)
	if class == "" {
		class = model.ClassRegular
	}
	if req.Tier != "" {
		tier, err := s.catalog.Get(req.Tier)
		if err != nil {
			return nil, err
		}
		if tier.Type != class {
			return nil, apperr.Validation("tier %s holds %s shares, not %s", req.Tier, tier.Type, class)
		}
	}
	base, err := s.validateCommon(req)
	if err != nil {
		return nil, err
	}
	if base.minPerBuy > req.TotalShares {
		return nil, apperr.Validation("min_per_buy %d exceeds listing size %d", base.minPerBuy, req.TotalShares)
	}

	now := s.now()
	listing := &model.Listing{
		ID:            model.NewListingID(now),
		SellerID:      sellerID,
		Kind:          model.KindWholeShare,
		Class:         class,
		Tier:          req.Tier,
		TotalShares:   req.TotalShares,
		PricePerShare: req.PricePerShare,
		Currency:      req.Currency,
		Methods:       req.Methods,
		MinPerBuy:     base.minPerBuy,
		MaxPerBuyer:   req.MaxPerBuyer,
		BankDetails:   req.BankDetails,
		CryptoWallet:  req.CryptoWallet,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Duration(base.expiresInDays) * 24 * time.Hour),
		Status:        model.ListingActive,
		IsPublic:      base.isPublic,
	}

	err = s.store.WithTx(r.Context(), func(tx store.Tx) error {
		sellable, err := inventory.SellableFor(r.Context(), tx, sellerID, class, req.Tier)
		if err != nil {
			return err
		}
		if sellable < req.TotalShares {
			return apperr.InsufficientInventory(
				"seller has %d sellable %s shares, listing needs %d", sellable, class, req.TotalShares)
		}
		if err := tx.CreateListing(r.Context(), listing); err != nil {
			return apperr.Dependency(err, "create listing")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

func (s *Service) createPercentage(r *http.Request, sellerID string, req *CreateListingRequest) (*model.Listing, error) {
	if req.Tier == "" {
		return nil, apperr.Validation("tier is required for percentage listings")
	}
	hundred := decimal.NewFromInt(100)
	if req.Percentage.LessThanOrEqual(decimal.Zero) || req.Percentage.GreaterThan(hundred) {
		return nil, apperr.Validation("percentage_of_holdings must be in (0, 100], got %s", req.Percentage)
	}
	tier, err := s.catalog.Get(req.Tier)
	if err != nil {
		return nil, err
	}
	base, err := s.validateCommon(req)
	if err != nil {
		return nil, err
	}

	now := s.now()
	listing := &model.Listing{
		ID:            model.NewPercentageListingID(req.Tier, now),
		SellerID:      sellerID,
		Kind:          model.KindPercentage,
		Class:         tier.Type,
		Tier:          req.Tier,
		PricePerShare: req.PricePerShare,
		Currency:      req.Currency,
		Methods:       req.Methods,
		MinPerBuy:     base.minPerBuy,
		MaxPerBuyer:   req.MaxPerBuyer,
		BankDetails:   req.BankDetails,
		CryptoWallet:  req.CryptoWallet,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Duration(base.expiresInDays) * 24 * time.Hour),
		Status:        model.ListingActive,
		IsPublic:      base.isPublic,

		PercentageOfHoldings: req.Percentage,
		PercentPerShare:      tier.PercentPerShare,
	}

	err = s.store.WithTx(r.Context(), func(tx store.Tx) error {
		total, err := inventory.AvailableFor(r.Context(), tx, sellerID, tier.Type, req.Tier)
		if err != nil {
			return err
		}
		actual := req.Percentage.Mul(decimal.NewFromInt(total)).Div(hundred).Floor().IntPart()
		if actual < 1 {
			return apperr.Validation(
				"%s%% of %d %s shares rounds down to zero", req.Percentage, total, req.Tier)
		}

		// The seller's active percentage listings in this tier may not
		// promise more than 100% combined.
		active, err := tx.ListListings(r.Context(), store.ListingFilter{
			SellerID: sellerID,
			Statuses: []model.ListingStatus{model.ListingActive, model.ListingPartiallySold},
			Kind:     model.KindPercentage,
			Tier:     req.Tier,
		})
		if err != nil {
			return apperr.Dependency(err, "load active listings for %s", sellerID)
		}
		committed := req.Percentage
		for i := range active {
			committed = committed.Add(active[i].PercentageOfHoldings)
		}
		if committed.GreaterThan(hundred) {
			return apperr.Validation(
				"active percentage listings in tier %s would total %s%%", req.Tier, committed)
		}

		listing.TotalSharesInTier = total
		listing.ActualShares = actual
		if err := tx.CreateListing(r.Context(), listing); err != nil {
			return apperr.Dependency(err, "create listing")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

type commonParams struct {
	minPerBuy     int64
	expiresInDays int
	isPublic      bool
}

// validateCommon checks the fields shared by both flavors and applies
// defaults.
func (s *Service) validateCommon(req *CreateListingRequest) (commonParams, error) {
	var p commonParams
	if req.PricePerShare.LessThanOrEqual(decimal.Zero) {
		return p, apperr.Validation("price_per_share must be positive")
	}
	if !model.ValidCurrency(req.Currency) {
		return p, apperr.Validation("unsupported currency %q", req.Currency)
	}
	needsBank, needsWallet := false, false
	for _, m := range req.Methods {
		if !model.ValidPaymentMethod(m) {
			return p, apperr.Validation("unsupported payment method %q", m)
		}
		switch m {
		case model.MethodBankTransfer:
			needsBank = true
		case model.MethodCrypto, model.MethodWalletTransfer:
			needsWallet = true
		}
	}
	if needsBank && (req.BankDetails == nil || req.BankDetails.AccountNumber == "") {
		return p, apperr.Validation("bank_details are required when bank_transfer is offered")
	}
	if needsWallet && req.CryptoWallet == "" {
		return p, apperr.Validation("crypto_wallet is required when crypto or wallet_transfer is offered")
	}
	if req.MaxPerBuyer < 0 {
		return p, apperr.Validation("max_per_buyer cannot be negative")
	}

	p.minPerBuy = req.MinPerBuy
	if p.minPerBuy == 0 {
		p.minPerBuy = 1
	}
	if p.minPerBuy < 1 {
		return p, apperr.Validation("min_per_buy must be at least 1")
	}
	p.expiresInDays = req.ExpiresInDays
	if p.expiresInDays == 0 {
		p.expiresInDays = defaultExpiryDays
	}
	p.isPublic = true
	if req.IsPublic != nil {
		p.isPublic = *req.IsPublic
	}
	return p, nil
}

// Browse handles GET /api/v1/listings. Public: active, unexpired, visible
// listings only, newest first.
func (s *Service) Browse(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListingFilter{
		Statuses:   []model.ListingStatus{model.ListingActive, model.ListingPartiallySold},
		PublicOnly: true,
		VisibleAt:  s.now(),
		Kind:       model.ListingKind(q.Get("kind")),
		Class:      model.ShareClass(q.Get("share_class")),
		Tier:       q.Get("tier"),
		Currency:   model.Currency(q.Get("currency")),
	}
	if v := q.Get("min_price"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			httpx.WriteError(w, "invalid min_price", http.StatusBadRequest)
			return
		}
		filter.MinPrice = &d
	}
	if v := q.Get("max_price"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			httpx.WriteError(w, "invalid max_price", http.StatusBadRequest)
			return
		}
		filter.MaxPrice = &d
	}
	filter.Limit, filter.Offset = httpx.PageParams(q.Get("limit"), q.Get("offset"))

	listings, err := s.store.ListListings(r.Context(), filter)
	if err != nil {
		httpx.WriteErr(w, apperr.Dependency(err, "browse listings"))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ListingsPage{
		Listings: listings,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	})
}

// Get handles GET /api/v1/listings/{listingID}. The view counter is
// best-effort and never blocks the response.
func (s *Service) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "listingID")

	listing, err := s.store.GetListing(r.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			httpx.WriteError(w, "listing not found", http.StatusNotFound)
			return
		}
		httpx.WriteErr(w, apperr.Dependency(err, "load listing %s", id))
		return
	}
	if err := s.store.IncrementListingViews(r.Context(), id); err != nil {
		slog.Warn("view counter update failed", "listing", id, "err", err)
	}
	httpx.WriteJSON(w, http.StatusOK, listing)
}

// Cancel handles POST /api/v1/listings/{listingID}/cancel. Pending offers on
// the listing are cascaded to cancelled; accepted and in_payment offers are
// in-flight trades and resolve through their own path.
func (s *Service) Cancel(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.FromContext(r.Context())
	id := chi.URLParam(r, "listingID")

	var req CancelListingRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	var cascaded int
	err := s.store.WithTx(r.Context(), func(tx store.Tx) error {
		listing, err := tx.GetListingForUpdate(r.Context(), id)
		if err != nil {
			if err == store.ErrNotFound {
				return apperr.NotFound("listing %s not found", id)
			}
			return apperr.Dependency(err, "load listing %s", id)
		}
		if listing.SellerID != p.UserID {
			return apperr.Authorization("only the seller may cancel listing %s", id)
		}
		if listing.Status == model.ListingCancelled {
			return nil // already cancelled, idempotent
		}
		if listing.Status != model.ListingActive && listing.Status != model.ListingPartiallySold {
			return apperr.State("listing %s is %s and cannot be cancelled", id, listing.Status)
		}

		now := s.now()
		listing.Status = model.ListingCancelled
		listing.CancelReason = req.Reason
		if err := tx.UpdateListing(r.Context(), listing); err != nil {
			return apperr.Dependency(err, "cancel listing %s", id)
		}

		pending, err := tx.ListOffers(r.Context(), store.OfferFilter{
			ListingID: id,
			Statuses:  []model.OfferStatus{model.OfferPending},
		})
		if err != nil {
			return apperr.Dependency(err, "load pending offers on %s", id)
		}
		for i := range pending {
			offer := &pending[i]
			offer.Status = model.OfferCancelled
			offer.CancelReason = "Listing was cancelled"
			offer.CancelledAt = &now
			if err := tx.UpdateOffer(r.Context(), offer); err != nil {
				return apperr.Dependency(err, "cascade-cancel offer %s", offer.ID)
			}
		}
		cascaded = len(pending)
		return nil
	})
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}

	for i := 0; i < cascaded; i++ {
		metrics.OffersClosed.WithLabelValues("cancelled").Inc()
	}
	s.hub.Broadcast(events.Event{Type: events.TypeListingCancelled, ListingID: id})
	slog.Info("listing cancelled", "id", id, "seller", p.UserID, "cascaded_offers", cascaded)

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"listing_id":       id,
		"status":           model.ListingCancelled,
		"cancelled_offers": cascaded,
	})
}

// Mine handles GET /api/v1/my/listings.
func (s *Service) Mine(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.FromContext(r.Context())

	filter := store.ListingFilter{SellerID: p.UserID}
	if v := r.URL.Query().Get("status"); v != "" {
		filter.Statuses = []model.ListingStatus{model.ListingStatus(v)}
	}
	filter.Limit, filter.Offset = httpx.PageParams(r.URL.Query().Get("limit"), r.URL.Query().Get("offset"))

	listings, err := s.store.ListListings(r.Context(), filter)
	if err != nil {
		httpx.WriteErr(w, apperr.Dependency(err, "load listings for %s", p.UserID))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ListingsPage{
		Listings: listings,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	})
}
