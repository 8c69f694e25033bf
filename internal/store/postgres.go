package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/sharemkt/settlement-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// structured optional fields (payment details, refunds, provenance) are
// JSONB columns.
type PostgresStore struct {
	pool *pgxpool.Pool
	pgSession
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, pgSession: pgSession{q: pool}}
}

// WithTx implements Store. The body runs under serializable isolation; any
// error aborts the transaction with no partial state visible.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(&pgSession{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgSession implements Tx over a pool (autocommit) or a pgx.Tx.
type pgSession struct {
	q querier
}

type rowScanner interface {
	Scan(dest ...any) error
}

func asJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func fromJSON(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

func notFoundOr(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s %s: %w", what, id, err)
}

// --- Listings ---

const listingCols = `id, seller_id, kind, share_class, tier,
	total_shares, sold_shares, price_per_share::TEXT, currency,
	payment_methods, min_per_buy, max_per_buyer, bank_details, crypto_wallet,
	created_at, expires_at, status, is_public, views, cancel_reason,
	percentage_of_holdings::TEXT, percentage_sold::TEXT,
	total_shares_in_tier, actual_shares, shares_sold, percent_per_share::TEXT`

func (s *pgSession) CreateListing(ctx context.Context, l *model.Listing) error {
	methods, err := asJSON(l.Methods)
	if err != nil {
		return err
	}
	var bank []byte
	if l.BankDetails != nil {
		if bank, err = asJSON(l.BankDetails); err != nil {
			return err
		}
	}
	_, err = s.q.Exec(ctx,
		`INSERT INTO listings (id, seller_id, kind, share_class, tier,
		   total_shares, sold_shares, price_per_share, currency,
		   payment_methods, min_per_buy, max_per_buyer, bank_details, crypto_wallet,
		   created_at, expires_at, status, is_public, views, cancel_reason,
		   percentage_of_holdings, percentage_sold,
		   total_shares_in_tier, actual_shares, shares_sold, percent_per_share)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8::NUMERIC,$9,$10,$11,$12,$13,$14,
		   $15,$16,$17,$18,$19,$20,$21::NUMERIC,$22::NUMERIC,$23,$24,$25,$26::NUMERIC)`,
		l.ID, l.SellerID, l.Kind, l.Class, l.Tier,
		l.TotalShares, l.SoldShares, l.PricePerShare.String(), l.Currency,
		methods, l.MinPerBuy, l.MaxPerBuyer, bank, l.CryptoWallet,
		l.CreatedAt, l.ExpiresAt, l.Status, l.IsPublic, l.Views, l.CancelReason,
		l.PercentageOfHoldings.String(), l.PercentageSold.String(),
		l.TotalSharesInTier, l.ActualShares, l.SharesSold, l.PercentPerShare.String(),
	)
	return err
}

func scanListing(r rowScanner) (*model.Listing, error) {
	var l model.Listing
	var price, pctHoldings, pctSold, pctPerShare string
	var methods, bank []byte

	if err := r.Scan(&l.ID, &l.SellerID, &l.Kind, &l.Class, &l.Tier,
		&l.TotalShares, &l.SoldShares, &price, &l.Currency,
		&methods, &l.MinPerBuy, &l.MaxPerBuyer, &bank, &l.CryptoWallet,
		&l.CreatedAt, &l.ExpiresAt, &l.Status, &l.IsPublic, &l.Views, &l.CancelReason,
		&pctHoldings, &pctSold,
		&l.TotalSharesInTier, &l.ActualShares, &l.SharesSold, &pctPerShare); err != nil {
		return nil, err
	}

	l.PricePerShare, _ = decimal.NewFromString(price)
	l.PercentageOfHoldings, _ = decimal.NewFromString(pctHoldings)
	l.PercentageSold, _ = decimal.NewFromString(pctSold)
	l.PercentPerShare, _ = decimal.NewFromString(pctPerShare)
	if err := fromJSON(methods, &l.Methods); err != nil {
		return nil, err
	}
	if len(bank) > 0 {
		l.BankDetails = &model.BankDetails{}
		if err := fromJSON(bank, l.BankDetails); err != nil {
			return nil, err
		}
	}
	return &l, nil
}

func (s *pgSession) getListing(ctx context.Context, id string, forUpdate bool) (*model.Listing, error) {
	q := `SELECT ` + listingCols + ` FROM listings WHERE id = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	l, err := scanListing(s.q.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFoundOr(err, "get listing", id)
	}
	return l, nil
}

func (s *pgSession) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	return s.getListing(ctx, id, false)
}

func (s *pgSession) GetListingForUpdate(ctx context.Context, id string) (*model.Listing, error) {
	return s.getListing(ctx, id, true)
}

func (s *pgSession) UpdateListing(ctx context.Context, l *model.Listing) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE listings SET
		   sold_shares = $2, status = $3, cancel_reason = $4, expires_at = $5,
		   is_public = $6, percentage_sold = $7::NUMERIC, shares_sold = $8
		 WHERE id = $1`,
		l.ID, l.SoldShares, l.Status, l.CancelReason, l.ExpiresAt,
		l.IsPublic, l.PercentageSold.String(), l.SharesSold,
	)
	if err != nil {
		return fmt.Errorf("update listing %s: %w", l.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgSession) ListListings(ctx context.Context, f ListingFilter) ([]model.Listing, error) {
	q := `SELECT ` + listingCols + ` FROM listings WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if f.SellerID != "" {
		q += ` AND seller_id = ` + arg(f.SellerID)
	}
	if len(f.Statuses) > 0 {
		ss := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ss[i] = string(st)
		}
		q += ` AND status = ANY(` + arg(ss) + `)`
	}
	if f.PublicOnly {
		q += ` AND is_public`
	}
	if !f.VisibleAt.IsZero() {
		q += ` AND status IN ('active','partially_sold') AND expires_at > ` + arg(f.VisibleAt)
	}
	if f.Kind != "" {
		q += ` AND kind = ` + arg(f.Kind)
	}
	if f.Class != "" {
		q += ` AND share_class = ` + arg(f.Class)
	}
	if f.Tier != "" {
		q += ` AND tier = ` + arg(f.Tier)
	}
	if f.Currency != "" {
		q += ` AND currency = ` + arg(f.Currency)
	}
	if f.MinPrice != nil {
		q += ` AND price_per_share >= ` + arg(f.MinPrice.String()) + `::NUMERIC`
	}
	if f.MaxPrice != nil {
		q += ` AND price_per_share <= ` + arg(f.MaxPrice.String()) + `::NUMERIC`
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ` + arg(f.Limit)
	}
	if f.Offset > 0 {
		q += ` OFFSET ` + arg(f.Offset)
	}

	rows, err := s.q.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

func (s *pgSession) IncrementListingViews(ctx context.Context, id string) error {
	_, err := s.q.Exec(ctx, `UPDATE listings SET views = views + 1 WHERE id = $1`, id)
	return err
}

// --- Offers ---

const offerCols = `id, listing_id, seller_id, buyer_id, shares,
	price_per_share::TEXT, currency, total_price::TEXT, payment_method,
	status, payment_status, transfer_status, buyer_note, seller_note,
	transaction_reference, payment_details, payment_proof,
	created_at, expires_at, accepted_at, payment_deadline, completed_at,
	cancelled_at, cancel_reason, admin_forced, dispute_reason,
	dispute_resolution, refunded, refund`

func (s *pgSession) CreateOffer(ctx context.Context, o *model.Offer) error {
	details, err := asJSON(o.PaymentDetails)
	if err != nil {
		return err
	}
	proof, err := asJSON(o.PaymentProof)
	if err != nil {
		return err
	}
	forced, err := asJSON(o.AdminForced)
	if err != nil {
		return err
	}
	resolution, err := asJSON(o.DisputeResolution)
	if err != nil {
		return err
	}
	refund, err := asJSON(o.Refund)
	if err != nil {
		return err
	}

	_, err = s.q.Exec(ctx,
		`INSERT INTO offers (id, listing_id, seller_id, buyer_id, shares,
		   price_per_share, currency, total_price, payment_method,
		   status, payment_status, transfer_status, buyer_note, seller_note,
		   transaction_reference, payment_details, payment_proof,
		   created_at, expires_at, accepted_at, payment_deadline, completed_at,
		   cancelled_at, cancel_reason, admin_forced, dispute_reason,
		   dispute_resolution, refunded, refund)
		 VALUES ($1,$2,$3,$4,$5,$6::NUMERIC,$7,$8::NUMERIC,$9,$10,$11,$12,$13,$14,
		   $15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29)`,
		o.ID, o.ListingID, o.SellerID, o.BuyerID, o.Shares,
		o.PricePerShare.String(), o.Currency, o.TotalPrice.String(), o.PaymentMethod,
		o.Status, o.PaymentStatus, o.TransferStatus, o.BuyerNote, o.SellerNote,
		o.TransactionReference, details, proof,
		o.CreatedAt, o.ExpiresAt, o.AcceptedAt, o.PaymentDeadline, o.CompletedAt,
		o.CancelledAt, o.CancelReason, forced, o.DisputeReason,
		resolution, o.Refunded, refund,
	)
	return err
}

func scanOffer(r rowScanner) (*model.Offer, error) {
	var o model.Offer
	var price, total string
	var details, proof, forced, resolution, refund []byte

	if err := r.Scan(&o.ID, &o.ListingID, &o.SellerID, &o.BuyerID, &o.Shares,
		&price, &o.Currency, &total, &o.PaymentMethod,
		&o.Status, &o.PaymentStatus, &o.TransferStatus, &o.BuyerNote, &o.SellerNote,
		&o.TransactionReference, &details, &proof,
		&o.CreatedAt, &o.ExpiresAt, &o.AcceptedAt, &o.PaymentDeadline, &o.CompletedAt,
		&o.CancelledAt, &o.CancelReason, &forced, &o.DisputeReason,
		&resolution, &o.Refunded, &refund); err != nil {
		return nil, err
	}

	o.PricePerShare, _ = decimal.NewFromString(price)
	o.TotalPrice, _ = decimal.NewFromString(total)
	if len(details) > 0 {
		o.PaymentDetails = &model.PaymentMethodDetails{}
		if err := fromJSON(details, o.PaymentDetails); err != nil {
			return nil, err
		}
	}
	if len(proof) > 0 {
		o.PaymentProof = &model.ProofRef{}
		if err := fromJSON(proof, o.PaymentProof); err != nil {
			return nil, err
		}
	}
	if len(forced) > 0 {
		o.AdminForced = &model.AdminForcedCompletion{}
		if err := fromJSON(forced, o.AdminForced); err != nil {
			return nil, err
		}
	}
	if len(resolution) > 0 {
		o.DisputeResolution = &model.DisputeResolution{}
		if err := fromJSON(resolution, o.DisputeResolution); err != nil {
			return nil, err
		}
	}
	if len(refund) > 0 {
		o.Refund = &model.Refund{}
		if err := fromJSON(refund, o.Refund); err != nil {
			return nil, err
		}
	}
	return &o, nil
}

func (s *pgSession) getOffer(ctx context.Context, id string, forUpdate bool) (*model.Offer, error) {
	q := `SELECT ` + offerCols + ` FROM offers WHERE id = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	o, err := scanOffer(s.q.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFoundOr(err, "get offer", id)
	}
	return o, nil
}

func (s *pgSession) GetOffer(ctx context.Context, id string) (*model.Offer, error) {
	return s.getOffer(ctx, id, false)
}

func (s *pgSession) GetOfferForUpdate(ctx context.Context, id string) (*model.Offer, error) {
	return s.getOffer(ctx, id, true)
}

func (s *pgSession) UpdateOffer(ctx context.Context, o *model.Offer) error {
	details, err := asJSON(o.PaymentDetails)
	if err != nil {
		return err
	}
	proof, err := asJSON(o.PaymentProof)
	if err != nil {
		return err
	}
	forced, err := asJSON(o.AdminForced)
	if err != nil {
		return err
	}
	resolution, err := asJSON(o.DisputeResolution)
	if err != nil {
		return err
	}
	refund, err := asJSON(o.Refund)
	if err != nil {
		return err
	}

	tag, err := s.q.Exec(ctx,
		`UPDATE offers SET
		   status = $2, payment_status = $3, transfer_status = $4,
		   seller_note = $5, transaction_reference = $6, payment_details = $7,
		   payment_proof = $8, accepted_at = $9, payment_deadline = $10,
		   completed_at = $11, cancelled_at = $12, cancel_reason = $13,
		   admin_forced = $14, dispute_reason = $15, dispute_resolution = $16,
		   refunded = $17, refund = $18
		 WHERE id = $1`,
		o.ID, o.Status, o.PaymentStatus, o.TransferStatus,
		o.SellerNote, o.TransactionReference, details,
		proof, o.AcceptedAt, o.PaymentDeadline,
		o.CompletedAt, o.CancelledAt, o.CancelReason,
		forced, o.DisputeReason, resolution,
		o.Refunded, refund,
	)
	if err != nil {
		return fmt.Errorf("update offer %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgSession) DeleteOffer(ctx context.Context, id string) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM offers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete offer %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgSession) ListOffers(ctx context.Context, f OfferFilter) ([]model.Offer, error) {
	q := `SELECT ` + offerCols + ` FROM offers WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if f.ListingID != "" {
		q += ` AND listing_id = ` + arg(f.ListingID)
	}
	if f.SellerID != "" {
		q += ` AND seller_id = ` + arg(f.SellerID)
	}
	if f.BuyerID != "" {
		q += ` AND buyer_id = ` + arg(f.BuyerID)
	}
	if f.EitherPartyID != "" {
		p := arg(f.EitherPartyID)
		q += ` AND (seller_id = ` + p + ` OR buyer_id = ` + p + `)`
	}
	if len(f.Statuses) > 0 {
		ss := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ss[i] = string(st)
		}
		q += ` AND status = ANY(` + arg(ss) + `)`
	}
	if !f.AcceptedBefore.IsZero() {
		q += ` AND accepted_at < ` + arg(f.AcceptedBefore)
	}
	if !f.CreatedAfter.IsZero() {
		q += ` AND created_at >= ` + arg(f.CreatedAfter)
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ` + arg(f.Limit)
	}
	if f.Offset > 0 {
		q += ` OFFSET ` + arg(f.Offset)
	}

	rows, err := s.q.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var offers []model.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, *o)
	}
	return offers, rows.Err()
}

func (s *pgSession) OfferStatusCounts(ctx context.Context) (map[model.OfferStatus]int64, error) {
	rows, err := s.q.Query(ctx, `SELECT status, COUNT(*) FROM offers GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.OfferStatus]int64)
	for rows.Next() {
		var st model.OfferStatus
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// --- Inventory lots ---

const lotCols = `id, user_id, share_class, tier, original_shares, sold_shares, status, origin, created_at`

func (s *pgSession) CreateLot(ctx context.Context, lot *model.InventoryLot) error {
	origin, err := asJSON(lot.Origin)
	if err != nil {
		return err
	}
	_, err = s.q.Exec(ctx,
		`INSERT INTO inventory_lots (id, user_id, share_class, tier,
		   original_shares, sold_shares, status, origin, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		lot.ID, lot.UserID, lot.Class, lot.Tier,
		lot.OriginalShares, lot.SoldShares, lot.Status, origin, lot.CreatedAt,
	)
	return err
}

func (s *pgSession) listLots(ctx context.Context, userID string, class model.ShareClass, tier string, forUpdate bool) ([]model.InventoryLot, error) {
	q := `SELECT ` + lotCols + ` FROM inventory_lots WHERE user_id = $1 AND share_class = $2`
	args := []any{userID, class}
	if tier != "" {
		q += ` AND tier = $3`
		args = append(args, tier)
	}
	// Insertion order: debit consumption must be deterministic.
	q += ` ORDER BY created_at, id`
	if forUpdate {
		q += ` FOR UPDATE`
	}

	rows, err := s.q.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lots []model.InventoryLot
	for rows.Next() {
		var lot model.InventoryLot
		var origin []byte
		if err := rows.Scan(&lot.ID, &lot.UserID, &lot.Class, &lot.Tier,
			&lot.OriginalShares, &lot.SoldShares, &lot.Status, &origin, &lot.CreatedAt); err != nil {
			return nil, err
		}
		if len(origin) > 0 {
			lot.Origin = &model.LotOrigin{}
			if err := fromJSON(origin, lot.Origin); err != nil {
				return nil, err
			}
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func (s *pgSession) ListLots(ctx context.Context, userID string, class model.ShareClass, tier string) ([]model.InventoryLot, error) {
	return s.listLots(ctx, userID, class, tier, false)
}

func (s *pgSession) ListLotsForUpdate(ctx context.Context, userID string, class model.ShareClass, tier string) ([]model.InventoryLot, error) {
	return s.listLots(ctx, userID, class, tier, true)
}

func (s *pgSession) UpdateLotSold(ctx context.Context, lotID string, soldShares int64) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE inventory_lots SET sold_shares = $2
		 WHERE id = $1 AND $2 BETWEEN 0 AND original_shares`,
		lotID, soldShares,
	)
	if err != nil {
		return fmt.Errorf("update lot %s: %w", lotID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update lot %s: missing or sold_shares out of range", lotID)
	}
	return nil
}

// --- Transfer records ---

const transferCols = `id, from_user_id, to_user_id, share_class, tier,
	share_count, price_per_share::TEXT, total_price::TEXT, currency,
	offer_id, listing_id, transfer_type, status, payment_verified,
	verification, created_at, completed_at`

func (s *pgSession) CreateTransfer(ctx context.Context, t *model.TransferRecord) error {
	verification, err := asJSON(t.Verification)
	if err != nil {
		return err
	}
	_, err = s.q.Exec(ctx,
		`INSERT INTO transfer_records (id, from_user_id, to_user_id, share_class, tier,
		   share_count, price_per_share, total_price, currency,
		   offer_id, listing_id, transfer_type, status, payment_verified,
		   verification, created_at, completed_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7::NUMERIC,$8::NUMERIC,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		t.ID, t.FromUserID, t.ToUserID, t.Class, t.Tier,
		t.ShareCount, t.PricePerShare.String(), t.TotalPrice.String(), t.Currency,
		t.OfferID, t.ListingID, t.Type, t.Status, t.PaymentVerified,
		verification, t.CreatedAt, t.CompletedAt,
	)
	return err
}

func scanTransfer(r rowScanner) (*model.TransferRecord, error) {
	var t model.TransferRecord
	var price, total string
	var verification []byte

	if err := r.Scan(&t.ID, &t.FromUserID, &t.ToUserID, &t.Class, &t.Tier,
		&t.ShareCount, &price, &total, &t.Currency,
		&t.OfferID, &t.ListingID, &t.Type, &t.Status, &t.PaymentVerified,
		&verification, &t.CreatedAt, &t.CompletedAt); err != nil {
		return nil, err
	}

	t.PricePerShare, _ = decimal.NewFromString(price)
	t.TotalPrice, _ = decimal.NewFromString(total)
	if err := fromJSON(verification, &t.Verification); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *pgSession) GetTransfer(ctx context.Context, id string) (*model.TransferRecord, error) {
	t, err := scanTransfer(s.q.QueryRow(ctx,
		`SELECT `+transferCols+` FROM transfer_records WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "get transfer", id)
	}
	return t, nil
}

func (s *pgSession) UpdateTransfer(ctx context.Context, t *model.TransferRecord) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE transfer_records SET status = $2, completed_at = $3 WHERE id = $1`,
		t.ID, t.Status, t.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update transfer %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgSession) ListTransfers(ctx context.Context, f TransferFilter) ([]model.TransferRecord, error) {
	q := `SELECT ` + transferCols + ` FROM transfer_records WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if f.EitherPartyID != "" {
		p := arg(f.EitherPartyID)
		q += ` AND (from_user_id = ` + p + ` OR to_user_id = ` + p + `)`
	}
	if f.OfferID != "" {
		q += ` AND offer_id = ` + arg(f.OfferID)
	}
	if f.ListingID != "" {
		q += ` AND listing_id = ` + arg(f.ListingID)
	}
	if f.Status != "" {
		q += ` AND status = ` + arg(f.Status)
	}
	if !f.CreatedAfter.IsZero() {
		q += ` AND created_at >= ` + arg(f.CreatedAfter)
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ` + arg(f.Limit)
	}
	if f.Offset > 0 {
		q += ` OFFSET ` + arg(f.Offset)
	}

	rows, err := s.q.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []model.TransferRecord
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, *t)
	}
	return transfers, rows.Err()
}

func (s *pgSession) CompletedSharesForBuyer(ctx context.Context, listingID, buyerID string) (int64, error) {
	var total int64
	err := s.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(share_count), 0) FROM transfer_records
		 WHERE listing_id = $1 AND to_user_id = $2 AND status = 'completed'`,
		listingID, buyerID).Scan(&total)
	return total, err
}

func (s *pgSession) SettledValueByCurrency(ctx context.Context, since time.Time) (map[model.Currency]decimal.Decimal, error) {
	q := `SELECT currency, COALESCE(SUM(total_price), 0)::TEXT
	      FROM transfer_records WHERE status = 'completed'`
	var args []any
	if !since.IsZero() {
		q += ` AND created_at >= $1`
		args = append(args, since)
	}
	q += ` GROUP BY currency`

	rows, err := s.q.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[model.Currency]decimal.Decimal)
	for rows.Next() {
		var c model.Currency
		var sum string
		if err := rows.Scan(&c, &sum); err != nil {
			return nil, err
		}
		out[c], _ = decimal.NewFromString(sum)
	}
	return out, rows.Err()
}

// --- Audit log ---

func (s *pgSession) AppendAudit(ctx context.Context, e *model.AuditEntry) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO audit_log (id, admin_id, action, target_kind, target_id, details, reason, at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.AdminID, e.Action, e.TargetKind, e.TargetID, e.Details, e.Reason, e.At,
	)
	return err
}

func (s *pgSession) ListAudit(ctx context.Context, f AuditFilter) ([]model.AuditEntry, error) {
	q := `SELECT id, admin_id, action, target_kind, target_id, details, reason, at
	      FROM audit_log WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if f.AdminID != "" {
		q += ` AND admin_id = ` + arg(f.AdminID)
	}
	if f.TargetID != "" {
		q += ` AND target_id = ` + arg(f.TargetID)
	}
	if f.Action != "" {
		q += ` AND action = ` + arg(f.Action)
	}
	q += ` ORDER BY at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ` + arg(f.Limit)
	}
	if f.Offset > 0 {
		q += ` OFFSET ` + arg(f.Offset)
	}

	rows, err := s.q.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		if err := rows.Scan(&e.ID, &e.AdminID, &e.Action, &e.TargetKind,
			&e.TargetID, &e.Details, &e.Reason, &e.At); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
