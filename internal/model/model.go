// Package model defines the core domain types shared across the settlement
// engine. All monetary values use shopspring/decimal, never float64.
// Share counts are whole units and use int64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ShareClass partitions inventory. Cofounder shares never mix with regular
// shares; (ShareClass, Tier) is the unique inventory key.
type ShareClass string

const (
	ClassRegular   ShareClass = "regular"
	ClassCofounder ShareClass = "cofounder"
)

// Currency tags every price. The engine performs no FX.
type Currency string

const (
	CurrencyNaira Currency = "naira"
	CurrencyUSDT  Currency = "usdt"
	CurrencyUSD   Currency = "usd"
	CurrencyEUR   Currency = "eur"
)

// ValidCurrency reports whether c is one of the supported currency tags.
func ValidCurrency(c Currency) bool {
	switch c {
	case CurrencyNaira, CurrencyUSDT, CurrencyUSD, CurrencyEUR:
		return true
	}
	return false
}

// PaymentMethod is an off-platform payment channel advertised on a listing.
type PaymentMethod string

const (
	MethodBankTransfer   PaymentMethod = "bank_transfer"
	MethodCrypto         PaymentMethod = "crypto"
	MethodWalletTransfer PaymentMethod = "wallet_transfer"
	MethodOTCDirect      PaymentMethod = "otc_direct"
)

// ValidPaymentMethod reports whether m is a supported payment channel.
func ValidPaymentMethod(m PaymentMethod) bool {
	switch m {
	case MethodBankTransfer, MethodCrypto, MethodWalletTransfer, MethodOTCDirect:
		return true
	}
	return false
}

// ListingKind distinguishes the two listing flavors sharing the engine.
type ListingKind string

const (
	KindWholeShare ListingKind = "whole_share"
	KindPercentage ListingKind = "percentage"
)

// ListingStatus is the listing lifecycle. sold, cancelled and expired are
// terminal.
type ListingStatus string

const (
	ListingActive        ListingStatus = "active"
	ListingPartiallySold ListingStatus = "partially_sold"
	ListingSold          ListingStatus = "sold"
	ListingCancelled     ListingStatus = "cancelled"
	ListingExpired       ListingStatus = "expired"
)

// OfferStatus is the offer protocol state. completed and cancelled are
// terminal; disputed resolves into a terminal state through admin
// mediation.
type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferAccepted  OfferStatus = "accepted"
	OfferInPayment OfferStatus = "in_payment"
	OfferCompleted OfferStatus = "completed"
	OfferCancelled OfferStatus = "cancelled"
	OfferDisputed  OfferStatus = "disputed"
	OfferFailed    OfferStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
// Disputed offers still resolve, so disputed is not terminal here.
func (s OfferStatus) Terminal() bool {
	return s == OfferCompleted || s == OfferCancelled || s == OfferFailed
}

// PaymentStatus tracks the buyer-side payment on an offer.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
)

// TransferStatus tracks share movement on an offer.
type TransferStatus string

const (
	TransferPending     TransferStatus = "pending"
	TransferTransferred TransferStatus = "transferred"
)

// TransferType classifies a TransferRecord.
type TransferType string

const (
	TransferSale            TransferType = "sale"
	TransferPercentageSale  TransferType = "percentage_sale"
	TransferAdminForcedSale TransferType = "admin_forced_sale"
	TransferGift            TransferType = "gift"
	TransferInheritance     TransferType = "inheritance"
	TransferAdmin           TransferType = "admin_transfer"
	TransferCofounderTrade  TransferType = "co_founder_trade"
)

// RecordStatus is the lifecycle of a TransferRecord.
type RecordStatus string

const (
	RecordInProgress RecordStatus = "in_progress"
	RecordCompleted  RecordStatus = "completed"
	RecordFailed     RecordStatus = "failed"
)

// LotStatus is the lifecycle of an inventory lot. Only completed lots count
// toward sellable balance.
type LotStatus string

const (
	LotCompleted LotStatus = "completed"
	LotPending   LotStatus = "pending"
	LotReversed  LotStatus = "reversed"
)

// LotOrigin records the provenance of a lot created by settlement. Lots
// seeded by external collaborators (historical purchases) carry no origin.
type LotOrigin struct {
	Kind       TransferType `json:"kind" db:"kind"`
	FromUserID string       `json:"from_user_id" db:"from_user_id"`
	OfferID    string       `json:"offer_id" db:"offer_id"`
}

// InventoryLot is a parcel of shares held by a user. Settlement mutates only
// SoldShares; lots are otherwise immutable once written.
// Invariant: 0 ≤ SoldShares ≤ OriginalShares.
type InventoryLot struct {
	ID             string     `json:"id" db:"id"`
	UserID         string     `json:"user_id" db:"user_id"`
	Class          ShareClass `json:"share_class" db:"share_class"`
	Tier           string     `json:"tier" db:"tier"`
	OriginalShares int64      `json:"original_shares" db:"original_shares"`
	SoldShares     int64      `json:"sold_shares" db:"sold_shares"`
	Status         LotStatus  `json:"status" db:"status"`
	Origin         *LotOrigin `json:"origin,omitempty" db:"origin"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// Remaining is the unsold balance of the lot.
func (l *InventoryLot) Remaining() int64 { return l.OriginalShares - l.SoldShares }

// BankDetails is the seller's receiving account shown to buyers who pick
// bank_transfer.
type BankDetails struct {
	BankName      string `json:"bank_name" db:"bank_name"`
	AccountName   string `json:"account_name" db:"account_name"`
	AccountNumber string `json:"account_number" db:"account_number"`
}

// Listing is a seller's published offer to sell shares. Kind selects the
// flavor; the percentage snapshot fields are populated only when
// Kind == KindPercentage.
// Invariants: 0 ≤ SoldShares ≤ TotalShares; Status == sold iff the listing
// is fully consumed; cancelled and expired are terminal.
type Listing struct {
	ID            string          `json:"id" db:"id"`
	SellerID      string          `json:"seller_id" db:"seller_id"`
	Kind          ListingKind     `json:"kind" db:"kind"`
	Class         ShareClass      `json:"share_class" db:"share_class"`
	Tier          string          `json:"tier,omitempty" db:"tier"`
	TotalShares   int64           `json:"total_shares" db:"total_shares"`
	SoldShares    int64           `json:"sold_shares" db:"sold_shares"`
	PricePerShare decimal.Decimal `json:"price_per_share" db:"price_per_share"`
	Currency      Currency        `json:"currency" db:"currency"`
	Methods       []PaymentMethod `json:"payment_methods" db:"payment_methods"`
	MinPerBuy     int64           `json:"min_per_buy" db:"min_per_buy"`
	MaxPerBuyer   int64           `json:"max_per_buyer,omitempty" db:"max_per_buyer"` // 0 = no cap
	BankDetails   *BankDetails    `json:"bank_details,omitempty" db:"bank_details"`
	CryptoWallet  string          `json:"crypto_wallet,omitempty" db:"crypto_wallet"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at" db:"expires_at"`
	Status        ListingStatus   `json:"status" db:"status"`
	IsPublic      bool            `json:"is_public" db:"is_public"`
	Views         int64           `json:"views" db:"views"`
	CancelReason  string          `json:"cancel_reason,omitempty" db:"cancel_reason"`

	// Percentage flavor: snapshots taken at creation.
	PercentageOfHoldings decimal.Decimal `json:"percentage_of_holdings,omitempty" db:"percentage_of_holdings"`
	PercentageSold       decimal.Decimal `json:"percentage_sold,omitempty" db:"percentage_sold"`
	TotalSharesInTier    int64           `json:"total_shares_in_tier,omitempty" db:"total_shares_in_tier"`
	ActualShares         int64           `json:"actual_shares,omitempty" db:"actual_shares"`
	SharesSold           int64           `json:"shares_sold,omitempty" db:"shares_sold"`
	PercentPerShare      decimal.Decimal `json:"percent_per_share,omitempty" db:"percent_per_share"`
}

// Remaining is the number of shares still purchasable on the listing.
func (l *Listing) Remaining() int64 {
	if l.Kind == KindPercentage {
		return l.ActualShares - l.SharesSold
	}
	return l.TotalShares - l.SoldShares
}

// Total is the full size of the listing in shares.
func (l *Listing) Total() int64 {
	if l.Kind == KindPercentage {
		return l.ActualShares
	}
	return l.TotalShares
}

// Expired reports whether the listing's expiry has passed. Expiry is lazy:
// the stored status is not rewritten eagerly.
func (l *Listing) Expired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && !now.Before(l.ExpiresAt)
}

// Transactable reports whether new offers may be created against the
// listing at the given instant.
func (l *Listing) Transactable(now time.Time) bool {
	if l.Status != ListingActive && l.Status != ListingPartiallySold {
		return false
	}
	return !l.Expired(now)
}

// AcceptsMethod reports whether the listing advertises the payment channel.
func (l *Listing) AcceptsMethod(m PaymentMethod) bool {
	for _, pm := range l.Methods {
		if pm == m {
			return true
		}
	}
	return false
}

// AdminForcedCompletion is stamped on an offer completed by an operator.
type AdminForcedCompletion struct {
	By     string    `json:"by" db:"by"`
	Reason string    `json:"reason" db:"reason"`
	Notes  string    `json:"notes,omitempty" db:"notes"`
	At     time.Time `json:"at" db:"at"`
}

// DisputeResolution records how an operator resolved a disputed offer.
type DisputeResolution struct {
	Decision string    `json:"decision" db:"decision"` // award_buyer, award_seller, mediation, refund
	By       string    `json:"by" db:"by"`
	Notes    string    `json:"notes,omitempty" db:"notes"`
	At       time.Time `json:"at" db:"at"`
}

// Refund is an information-only record; the engine never executes refunds.
type Refund struct {
	Amount decimal.Decimal `json:"amount" db:"amount"`
	Reason string          `json:"reason" db:"reason"`
	Method string          `json:"method,omitempty" db:"method"`
	By     string          `json:"by" db:"by"`
	At     time.Time       `json:"at" db:"at"`
}

// ProofRef points at a payment-proof blob held by the external blob store.
type ProofRef struct {
	URL    string `json:"url" db:"url"`
	ID     string `json:"id" db:"id"`
	Size   int64  `json:"size" db:"size"`
	Format string `json:"format" db:"format"`
}

// Offer is a buyer's tendered purchase against a listing.
// Invariants: SellerID ≠ BuyerID; PaymentMethod ∈ listing methods;
// at most one of CompletedAt / CancelledAt is set.
type Offer struct {
	ID            string          `json:"id" db:"id"`
	ListingID     string          `json:"listing_id" db:"listing_id"`
	SellerID      string          `json:"seller_id" db:"seller_id"`
	BuyerID       string          `json:"buyer_id" db:"buyer_id"`
	Shares        int64           `json:"shares" db:"shares"`
	PricePerShare decimal.Decimal `json:"price_per_share" db:"price_per_share"`
	Currency      Currency        `json:"currency" db:"currency"`
	TotalPrice    decimal.Decimal `json:"total_price" db:"total_price"`
	PaymentMethod PaymentMethod   `json:"payment_method" db:"payment_method"`

	Status         OfferStatus    `json:"status" db:"status"`
	PaymentStatus  PaymentStatus  `json:"payment_status" db:"payment_status"`
	TransferStatus TransferStatus `json:"transfer_status" db:"transfer_status"`

	BuyerNote  string `json:"buyer_note,omitempty" db:"buyer_note"`
	SellerNote string `json:"seller_note,omitempty" db:"seller_note"`

	TransactionReference string                `json:"transaction_reference,omitempty" db:"transaction_reference"`
	PaymentDetails       *PaymentMethodDetails `json:"payment_details,omitempty" db:"payment_details"`
	PaymentProof         *ProofRef             `json:"payment_proof,omitempty" db:"payment_proof"`

	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt       time.Time  `json:"expires_at" db:"expires_at"`
	AcceptedAt      *time.Time `json:"accepted_at,omitempty" db:"accepted_at"`
	PaymentDeadline *time.Time `json:"payment_deadline,omitempty" db:"payment_deadline"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"`
	CancelReason    string     `json:"cancel_reason,omitempty" db:"cancel_reason"`

	AdminForced       *AdminForcedCompletion `json:"admin_forced,omitempty" db:"admin_forced"`
	DisputeReason     string                 `json:"dispute_reason,omitempty" db:"dispute_reason"`
	DisputeResolution *DisputeResolution     `json:"dispute_resolution,omitempty" db:"dispute_resolution"`
	Refunded          bool                   `json:"refunded,omitempty" db:"refunded"`
	Refund            *Refund                `json:"refund,omitempty" db:"refund"`
}

// PendingExpired reports whether the pending-TTL has lapsed.
func (o *Offer) PendingExpired(now time.Time) bool {
	return o.Status == OfferPending && !o.ExpiresAt.IsZero() && !now.Before(o.ExpiresAt)
}

// PaymentOverdue reports whether the accepted offer's payment deadline has
// passed.
func (o *Offer) PaymentOverdue(now time.Time) bool {
	return o.Status == OfferAccepted && o.PaymentDeadline != nil && now.After(*o.PaymentDeadline)
}

// Verification records how a settled payment was attested.
type Verification struct {
	By     string    `json:"by" db:"by"`
	Method string    `json:"method" db:"method"` // manual_review, admin_forced
	Proof  string    `json:"proof,omitempty" db:"proof"`
	At     time.Time `json:"at" db:"at"`
}

// TransferRecord is the immutable proof of a settled trade. Created
// in_progress inside the settlement transaction and finalized before
// commit; never updated afterwards.
type TransferRecord struct {
	ID              string          `json:"id" db:"id"`
	FromUserID      string          `json:"from_user_id" db:"from_user_id"`
	ToUserID        string          `json:"to_user_id" db:"to_user_id"`
	Class           ShareClass      `json:"share_class" db:"share_class"`
	Tier            string          `json:"tier,omitempty" db:"tier"`
	ShareCount      int64           `json:"share_count" db:"share_count"`
	PricePerShare   decimal.Decimal `json:"price_per_share" db:"price_per_share"`
	TotalPrice      decimal.Decimal `json:"total_price" db:"total_price"`
	Currency        Currency        `json:"currency" db:"currency"`
	OfferID         string          `json:"offer_id" db:"offer_id"`
	ListingID       string          `json:"listing_id" db:"listing_id"`
	Type            TransferType    `json:"transfer_type" db:"transfer_type"`
	Status          RecordStatus    `json:"status" db:"status"`
	PaymentVerified bool            `json:"payment_verified" db:"payment_verified"`
	Verification    Verification    `json:"verification" db:"verification"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// AuditEntry is an append-only record of an administrative action, written
// in the same transaction as the state change it describes.
type AuditEntry struct {
	ID         string    `json:"id" db:"id"`
	AdminID    string    `json:"admin_id" db:"admin_id"`
	Action     string    `json:"action" db:"action"`
	TargetKind string    `json:"target_kind" db:"target_kind"` // offer, listing, transfer
	TargetID   string    `json:"target_id" db:"target_id"`
	Details    string    `json:"details,omitempty" db:"details"`
	Reason     string    `json:"reason" db:"reason"`
	At         time.Time `json:"at" db:"at"`
}
