// Package store defines the persistence interface for the settlement
// engine. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sharemkt/settlement-engine/internal/model"
)

// ErrNotFound is returned when a row does not exist. Callers translate it
// into the engine's NotFound taxonomy at the service layer.
var ErrNotFound = errors.New("store: not found")

// ListingFilter narrows listing queries. Zero values mean "no constraint".
type ListingFilter struct {
	SellerID   string
	Statuses   []model.ListingStatus
	PublicOnly bool
	// VisibleAt, when set, keeps only listings transactable at that instant
	// (active or partially_sold, not yet expired).
	VisibleAt time.Time
	Kind      model.ListingKind
	Class     model.ShareClass
	Tier      string
	Currency  model.Currency
	MinPrice  *decimal.Decimal
	MaxPrice  *decimal.Decimal
	Limit     int
	Offset    int
}

// OfferFilter narrows offer queries.
type OfferFilter struct {
	ListingID string
	SellerID  string
	BuyerID   string
	// EitherPartyID matches offers where the user is buyer or seller.
	EitherPartyID  string
	Statuses       []model.OfferStatus
	AcceptedBefore time.Time // stuck-set queries
	CreatedAfter   time.Time
	Limit          int
	Offset         int
}

// TransferFilter narrows transfer-record queries.
type TransferFilter struct {
	EitherPartyID string
	OfferID       string
	ListingID     string
	Status        model.RecordStatus
	CreatedAfter  time.Time
	Limit         int
	Offset        int
}

// AuditFilter narrows audit-log queries.
type AuditFilter struct {
	AdminID  string
	TargetID string
	Action   string
	Limit    int
	Offset   int
}

// Tx is the method set available both inside and outside a transaction.
// Outside a transaction each call is atomic on its own; inside WithTx all
// calls commit or abort together.
type Tx interface {
	// --- Listings ---

	CreateListing(ctx context.Context, l *model.Listing) error
	GetListing(ctx context.Context, id string) (*model.Listing, error)
	// GetListingForUpdate loads a listing with write intent; inside a
	// transaction concurrent writers serialize on the row.
	GetListingForUpdate(ctx context.Context, id string) (*model.Listing, error)
	UpdateListing(ctx context.Context, l *model.Listing) error
	ListListings(ctx context.Context, f ListingFilter) ([]model.Listing, error)
	// IncrementListingViews is best-effort and not transactional with
	// state changes.
	IncrementListingViews(ctx context.Context, id string) error

	// --- Offers ---

	CreateOffer(ctx context.Context, o *model.Offer) error
	GetOffer(ctx context.Context, id string) (*model.Offer, error)
	GetOfferForUpdate(ctx context.Context, id string) (*model.Offer, error)
	UpdateOffer(ctx context.Context, o *model.Offer) error
	DeleteOffer(ctx context.Context, id string) error
	ListOffers(ctx context.Context, f OfferFilter) ([]model.Offer, error)
	OfferStatusCounts(ctx context.Context) (map[model.OfferStatus]int64, error)

	// --- Inventory lots ---

	CreateLot(ctx context.Context, lot *model.InventoryLot) error
	// ListLots returns a user's lots of the given class (and tier, when
	// non-empty) in insertion order.
	ListLots(ctx context.Context, userID string, class model.ShareClass, tier string) ([]model.InventoryLot, error)
	ListLotsForUpdate(ctx context.Context, userID string, class model.ShareClass, tier string) ([]model.InventoryLot, error)
	UpdateLotSold(ctx context.Context, lotID string, soldShares int64) error

	// --- Transfer records (append-only; update only finalizes in-tx) ---

	CreateTransfer(ctx context.Context, t *model.TransferRecord) error
	GetTransfer(ctx context.Context, id string) (*model.TransferRecord, error)
	UpdateTransfer(ctx context.Context, t *model.TransferRecord) error
	ListTransfers(ctx context.Context, f TransferFilter) ([]model.TransferRecord, error)
	// CompletedSharesForBuyer sums share counts over completed transfers
	// for one listing+buyer pair (maxPerBuyer enforcement).
	CompletedSharesForBuyer(ctx context.Context, listingID, buyerID string) (int64, error)
	// SettledValueByCurrency sums completed-transfer value per currency
	// since the given instant (zero time = all).
	SettledValueByCurrency(ctx context.Context, since time.Time) (map[model.Currency]decimal.Decimal, error)

	// --- Audit log ---

	AppendAudit(ctx context.Context, e *model.AuditEntry) error
	ListAudit(ctx context.Context, f AuditFilter) ([]model.AuditEntry, error)
}

// Store is the persistence interface. WithTx runs fn inside a serializable
// transaction: every mutation fn performs through the Tx becomes visible
// atomically at commit, and none survives an error return.
type Store interface {
	Tx
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
