package admin_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharemkt/settlement-engine/internal/admin"
	"github.com/sharemkt/settlement-engine/internal/clock"
	"github.com/sharemkt/settlement-engine/internal/identity"
	"github.com/sharemkt/settlement-engine/internal/inventory"
	"github.com/sharemkt/settlement-engine/internal/model"
	"github.com/sharemkt/settlement-engine/internal/settlement"
	"github.com/sharemkt/settlement-engine/internal/store"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	store  *store.MemoryStore
	router chi.Router
}

func newTestEnv(t *testing.T) *env {
	t.Helper()
	e := &env{store: store.NewMemoryStore()}
	coord := settlement.NewCoordinator(e.store, nil, nil, clock.Fixed(t0))
	svc := admin.NewService(e.store, coord, clock.Fixed(t0))

	r := chi.NewRouter()
	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Use(identity.Middleware(identity.HeaderProvider{}))
		r.Use(identity.RequireAdmin)
		r.Get("/dashboard", svc.GetDashboard)
		r.Get("/reports", svc.GetReports)
		r.Get("/audit", svc.GetAudit)
		r.Post("/offers/bulk", svc.Bulk)
		r.Post("/offers/{offerID}/force-complete", svc.ForceComplete)
		r.Post("/offers/{offerID}/cancel", svc.Cancel)
		r.Post("/offers/{offerID}/delete", svc.Delete)
		r.Post("/offers/{offerID}/refund", svc.Refund)
		r.Post("/offers/{offerID}/dispute", svc.Dispute)
		r.Post("/offers/{offerID}/resolve", svc.Resolve)
		r.Post("/offers/{offerID}/status", svc.UpdateStatus)
	})
	e.router = r
	return e
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "admin1")
	req.Header.Set("X-Admin", "true")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
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

func (e *env) seedListing(t *testing.T, id string, shares int64) {
	t.Helper()
	require.NoError(t, e.store.CreateListing(context.Background(), &model.Listing{
		ID:            id,
		SellerID:      "seller",
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
	}))
}

func (e *env) seedOffer(t *testing.T, id string, status model.OfferStatus, shares int64) {
	t.Helper()
	accepted := t0.Add(-30 * time.Hour)
	o := &model.Offer{
		ID:            id,
		ListingID:     "L1",
		SellerID:      "seller",
		BuyerID:       "buyer",
		Shares:        shares,
		PricePerShare: decimal.NewFromInt(1000),
		Currency:      model.CurrencyNaira,
		TotalPrice:    decimal.NewFromInt(1000 * shares),
		PaymentMethod: model.MethodBankTransfer,
		Status:        status,
		CreatedAt:     t0.Add(-31 * time.Hour),
		ExpiresAt:     t0.Add(-7 * time.Hour),
	}
	switch status {
	case model.OfferAccepted, model.OfferInPayment, model.OfferDisputed, model.OfferCompleted:
		o.AcceptedAt = &accepted
		deadline := accepted.Add(48 * time.Hour)
		o.PaymentDeadline = &deadline
	}
	if status == model.OfferInPayment {
		o.PaymentStatus = model.PaymentProcessing
		o.TransactionReference = "TXN-001"
	}
	require.NoError(t, e.store.CreateOffer(context.Background(), o))
}

func (e *env) getOffer(t *testing.T, id string) *model.Offer {
	t.Helper()
	o, err := e.store.GetOffer(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (e *env) lastAudit(t *testing.T) model.AuditEntry {
	t.Helper()
	entries, err := e.store.ListAudit(context.Background(), store.AuditFilter{Limit: 1})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	return entries[0]
}

// --- Authorization ---

func TestAdminSurface_RejectsNonAdmin(t *testing.T) {
	e := newTestEnv(t)

	req := httptest.NewRequest("GET", "/api/v1/admin/dashboard", nil)
	req.Header.Set("X-User-ID", "mortal")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	anon := httptest.NewRequest("GET", "/api/v1/admin/dashboard", nil)
	w = httptest.NewRecorder()
	e.router.ServeHTTP(w, anon)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// --- Dashboard / Reports ---

func TestDashboard(t *testing.T) {
	e := newTestEnv(t)
	e.seedListing(t, "L1", 100)
	e.seedOffer(t, "O-pending", model.OfferPending, 10)
	e.seedOffer(t, "O-stuck", model.OfferInPayment, 20) // accepted 30h ago
	require.NoError(t, e.store.CreateTransfer(context.Background(), &model.TransferRecord{
		ID: "T1", FromUserID: "seller", ToUserID: "buyer", ListingID: "L1", OfferID: "O-done",
		ShareCount: 5, TotalPrice: decimal.NewFromInt(5000), Currency: model.CurrencyNaira,
		Status: model.RecordCompleted, CreatedAt: t0.Add(-time.Hour),
	}))

	w := e.do(t, "GET", "/api/v1/admin/dashboard", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var d admin.Dashboard
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.Equal(t, int64(1), d.OffersByStatus[model.OfferPending])
	assert.Equal(t, int64(1), d.OffersByStatus[model.OfferInPayment])
	require.Equal(t, 1, d.StuckCount)
	assert.Equal(t, "O-stuck", d.StuckOffers[0].ID)
	assert.True(t, d.SettledValue[model.CurrencyNaira].Equal(decimal.NewFromInt(5000)))
}

func TestReports_GroupsByDay(t *testing.T) {
	e := newTestEnv(t)
	mk := func(id string, created time.Time, shares, price int64) {
		require.NoError(t, e.store.CreateTransfer(context.Background(), &model.TransferRecord{
			ID: id, FromUserID: "seller", ToUserID: "buyer", ListingID: "L1", OfferID: "O-" + id,
			ShareCount: shares, TotalPrice: decimal.NewFromInt(price), Currency: model.CurrencyNaira,
			Status: model.RecordCompleted, CreatedAt: created,
		}))
	}
	mk("T1", t0.Add(-26*time.Hour), 20, 20000) // previous day
	mk("T2", t0.Add(-3*time.Hour), 5, 5000)
	mk("T3", t0.Add(-2*time.Hour), 10, 10000)

	w := e.do(t, "GET", "/api/v1/admin/reports?days=7", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Days    int                 `json:"days"`
		Reports []admin.DailyReport `json:"reports"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 7, resp.Days)
	require.Len(t, resp.Reports, 2)
	assert.Equal(t, "2025-06-01", resp.Reports[0].Date)
	assert.Equal(t, 2, resp.Reports[0].Transfers)
	assert.Equal(t, int64(15), resp.Reports[0].Shares)
	assert.True(t, resp.Reports[0].Value[model.CurrencyNaira].Equal(decimal.NewFromInt(15000)))
	assert.Equal(t, "2025-05-31", resp.Reports[1].Date)
}

func TestReports_DaysOutOfRange(t *testing.T) {
	e := newTestEnv(t)
	assert.Equal(t, http.StatusBadRequest, e.do(t, "GET", "/api/v1/admin/reports?days=0", nil).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, "GET", "/api/v1/admin/reports?days=91", nil).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, "GET", "/api/v1/admin/reports?days=soon", nil).Code)
}

// --- Force complete ---

func TestForceComplete(t *testing.T) {
	e := newTestEnv(t)
	e.seedShares(t, "seller", 100)
	e.seedListing(t, "L1", 100)
	e.seedOffer(t, "O1", model.OfferInPayment, 40)

	w := e.do(t, "POST", "/api/v1/admin/offers/O1/force-complete",
		admin.ForceCompleteRequest{Reason: "seller unresponsive, payment verified off-platform"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var rec model.TransferRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, model.RecordCompleted, rec.Status)
	assert.Equal(t, model.TransferAdminForcedSale, rec.Type)

	o := e.getOffer(t, "O1")
	assert.Equal(t, model.OfferCompleted, o.Status)
	require.NotNil(t, o.AdminForced)
	assert.Equal(t, "admin1", o.AdminForced.By)

	buyerAvail, err := inventory.AvailableFor(context.Background(), e.store, "buyer", model.ClassRegular, "starter")
	require.NoError(t, err)
	assert.Equal(t, int64(40), buyerAvail)

	entry := e.lastAudit(t)
	assert.Equal(t, "force_complete", entry.Action)
	assert.Equal(t, "O1", entry.TargetID)
}

func TestForceComplete_RequiresReason(t *testing.T) {
	e := newTestEnv(t)
	e.seedListing(t, "L1", 100)
	e.seedOffer(t, "O1", model.OfferInPayment, 10)

	w := e.do(t, "POST", "/api/v1/admin/offers/O1/force-complete", map[string]string{"notes": "n"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Cancel ---

func TestCancel_WithDefaultRefund(t *testing.T) {
	e := newTestEnv(t)
	e.seedListing(t, "L1", 100)
	e.seedOffer(t, "O1", model.OfferInPayment, 10)

	w := e.do(t, "POST", "/api/v1/admin/offers/O1/cancel",
		admin.CancelRequest{Reason: "buyer requested cancellation", RefundBuyer: true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	o := e.getOffer(t, "O1")
	assert.Equal(t, model.OfferCancelled, o.Status)
	assert.True(t, o.Refunded)
	require.NotNil(t, o.Refund)
	assert.True(t, o.Refund.Amount.Equal(decimal.NewFromInt(10000)), "defaults to the full trade value")
	assert.Equal(t, model.PaymentRefunded, o.PaymentStatus)

	entry := e.lastAudit(t)
	assert.Equal(t, "cancel", entry.Action)
	assert.Equal(t, "admin1", entry.AdminID)
}

func TestCancel_CompletedOfferRejected(t *testing.T) {
	e := newTestEnv(t)
	e.seedListing(t, "L1", 100)
	e.seedOffer(t, "O1", model.OfferCompleted, 10)

	w := e.do(t, "POST", "/api/v1/admin/offers/O1/cancel", admin.CancelRequest{Reason: "r"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCancel_Idempotent(t *testing.T) {
	e := newTestEnv(t)
	e.seedListing(t, "L1", 100)
	e.seedOffer(t, "O1", model.OfferPending, 10)

	require.Equal(t, http.StatusOK, e.do(t, "POST", "/api/v1/admin/offers/O1/cancel", admin.CancelRequest{Reason: "first"}).Code)
	require.Equal(t, http.StatusOK, e.do(t, "POST", "/api/v1/admin/offers/O1/cancel", admin.CancelRequest{Reason: "second"}).Code)

	assert.Equal(t, "first", e.getOffer(t, "O1").CancelReason, "repeat cancel does not rewrite")
}

// --- Delete ---

func TestDelete_OnlyCancelledOrFailed(t *testing.T) {
	e := newTestEnv(t)
	e.seedListing(t, "L1", 100)
	e.seedOffer(t, "O1", model.OfferPending, 10)

	w := e.do(t, "POST", "/api/v1/admin/offers/O1/delete",
		admin.DeleteRequest{Confirm: true, Reason: "cleanup"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestDelete_AuditSurvivesRemoval(t *testing.T) {
	e := newTestEnv(t)
	e.seedListing(t, "L1", 100)
	e.seedOffer(t, "O1", model.OfferCancelled, 10)

	w := e.do(t, "POST", "/api/v1/admin/offers/O1/delete",
		admin.DeleteRequest{Confirm: true, Reason: "test data from onboarding"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	_, err := e.store.GetOffer(context.Background(), "O1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	entry := e.lastAudit(t)
	assert.Equal(t, "delete", entry.Action)
	assert.Equal(t, "Deleted transaction O1", entry.Reason)
	assert.Equal(t, "test data from onboarding", entry.Details)
}

func TestDelete_RequiresConfirm(t *testing.T) {
	e := newTestEnv(t)
	e.seedListing(t, "L1", 100)
	e.seedOffer(t, "O1", model.OfferCancelled, 10)

	w := e.do(t, "POST", "/api/v1/admin/offers/O1/delete", admin.DeleteRequest{Reason: "r"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Refund ---

func TestRefund_IdempotentOnSameAmount(t *testing.T) {
	e := newTestEnv(t)
	e.seedListing(t, "L1", 100)
	e.seedOffer(t, "O1", model.OfferCancelled, 10)

	first := e.do(t, "POST", "/api/v1/admin/offers/O1/refund", admin.RefundRequest{Reason: "buyer paid, trade cancelled"})
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	require.NotNil(t, e.getOffer(t, "O1").Refund)

	again := e.do(t, "POST", "/api/v1/admin/offers/O1/refund", admin.RefundRequest{Reason: "retry"})
	assert.Equal(t, http.StatusOK, again.Code)

	other := decimal.NewFromInt(1)
	conflict := e.do(t, "POST", "/api/v1/admin/offers/O1/refund", admin.RefundRequest{Amount: &other, Reason: "oops"})
	assert.Equal(t, http.StatusConflict, conflict.Code)
}

// --- Disputes ---

func TestDispute_ThenResolveMediation(t *testing.T) {
	e := newTestEnv(t)
	e.seedShares(t, "seller", 100)
	e.seedListing(t, "L1", 100)
	e.seedOffer(t, "O1", model.OfferInPayment, 20)

	w := e.do(t, "POST", "/api/v1/admin/offers/O1/dispute",
		admin.DisputeRequest{Reason: "buyer claims partial payment"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, model.OfferDisputed, e.getOffer(t, "O1").Status)

	// Repeat flag is a no-op.
	require.Equal(t, http.StatusOK, e.do(t, "POST", "/api/v1/admin/offers/O1/dispute",
		admin.DisputeRequest{Reason: "again"}).Code)

	w = e.do(t, "POST", "/api/v1/admin/offers/O1/resolve",
		admin.ResolveRequest{Decision: "mediation", Notes: "split the difference"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	o := e.getOffer(t, "O1")
	assert.Equal(t, model.OfferCompleted, o.Status)
	require.NotNil(t, o.DisputeResolution)
	assert.Equal(t, "mediation", o.DisputeResolution.Decision)
	require.NotNil(t, o.Refund)
	assert.True(t, o.Refund.Amount.Equal(decimal.NewFromInt(10000)), "half of the 20000 trade value")

	buyerAvail, err := inventory.AvailableFor(context.Background(), e.store, "buyer", model.ClassRegular, "starter")
	require.NoError(t, err)
	assert.Equal(t, int64(20), buyerAvail, "mediation still moves the shares")

	entry := e.lastAudit(t)
	assert.Equal(t, "resolve_dispute", entry.Action)
}

func TestResolve_AwardBuyerCancelsWithFullRefund(t *testing.T) {
	e := newTestEnv(t)
	e.seedShares(t, "seller", 100)
	e.seedListing(t, "L1", 100)
	e.seedOffer(t, "O1", model.OfferDisputed, 15)

	w := e.do(t, "POST", "/api/v1/admin/offers/O1/resolve", admin.ResolveRequest{Decision: "award_buyer"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	o := e.getOffer(t, "O1")
	assert.Equal(t, model.OfferCancelled, o.Status)
	require.NotNil(t, o.Refund)
	assert.True(t, o.Refund.Amount.Equal(decimal.NewFromInt(15000)))
	require.NotNil(t, o.DisputeResolution)
	assert.Equal(t, "award_buyer", o.DisputeResolution.Decision)

	buyerAvail, err := inventory.AvailableFor(context.Background(), e.store, "buyer", model.ClassRegular, "starter")
	require.NoError(t, err)
	assert.Equal(t, int64(0), buyerAvail, "no shares move on award_buyer")
}

func TestResolve_RequiresDisputedState(t *testing.T) {
	e := newTestEnv(t)
	e.seedListing(t, "L1", 100)
	e.seedOffer(t, "O1", model.OfferInPayment, 10)

	w := e.do(t, "POST", "/api/v1/admin/offers/O1/resolve", admin.ResolveRequest{Decision: "award_seller"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestDispute_CompletedOfferRejected(t *testing.T) {
	e := newTestEnv(t)
	e.seedListing(t, "L1", 100)
	e.seedOffer(t, "O1", model.OfferCompleted, 10)

	w := e.do(t, "POST", "/api/v1/admin/offers/O1/dispute", admin.DisputeRequest{Reason: "r"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

// --- Status override ---

func TestUpdateStatus(t *testing.T) {
	e := newTestEnv(t)
	e.seedListing(t, "L1", 100)
	e.seedOffer(t, "O1", model.OfferInPayment, 10)

	w := e.do(t, "POST", "/api/v1/admin/offers/O1/status",
		admin.UpdateStatusRequest{Status: model.OfferFailed, Reason: "payment bounced"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.OfferFailed, e.getOffer(t, "O1").Status)

	entry := e.lastAudit(t)
	assert.Equal(t, "update_status", entry.Action)
	assert.Equal(t, "in_payment -> failed", entry.Details)
}

func TestUpdateStatus_CompletionMustUseForceComplete(t *testing.T) {
	e := newTestEnv(t)
	e.seedListing(t, "L1", 100)
	e.seedOffer(t, "O1", model.OfferInPayment, 10)

	w := e.do(t, "POST", "/api/v1/admin/offers/O1/status",
		admin.UpdateStatusRequest{Status: model.OfferCompleted, Reason: "r"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "force-complete")
}

func TestUpdateStatus_CompletedOffersImmutable(t *testing.T) {
	e := newTestEnv(t)
	e.seedListing(t, "L1", 100)
	e.seedOffer(t, "O1", model.OfferCompleted, 10)

	w := e.do(t, "POST", "/api/v1/admin/offers/O1/status",
		admin.UpdateStatusRequest{Status: model.OfferCancelled, Reason: "r"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

// --- Bulk ---

func TestBulk_PartialFailure(t *testing.T) {
	e := newTestEnv(t)
	e.seedListing(t, "L1", 100)
	e.seedOffer(t, "O1", model.OfferPending, 10)
	e.seedOffer(t, "O2", model.OfferCompleted, 10)

	w := e.do(t, "POST", "/api/v1/admin/offers/bulk", admin.BulkRequest{
		Action:   "cancel",
		OfferIDs: []string{"O1", "O2", "O-missing"},
		Reason:   "expired campaign",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res admin.BulkResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, []string{"O1"}, res.Succeeded)
	require.Len(t, res.Failed, 2)
	assert.Equal(t, model.OfferCancelled, e.getOffer(t, "O1").Status, "failures do not roll back successes")
}

func TestBulk_Complete(t *testing.T) {
	e := newTestEnv(t)
	e.seedShares(t, "seller", 100)
	e.seedListing(t, "L1", 100)
	e.seedOffer(t, "O1", model.OfferInPayment, 10)
	e.seedOffer(t, "O2", model.OfferInPayment, 20)

	w := e.do(t, "POST", "/api/v1/admin/offers/bulk", admin.BulkRequest{
		Action:   "complete",
		OfferIDs: []string{"O1", "O2"},
		Reason:   "batch verified against bank statement",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res admin.BulkResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Len(t, res.Succeeded, 2)
	assert.Empty(t, res.Failed)

	buyerAvail, err := inventory.AvailableFor(context.Background(), e.store, "buyer", model.ClassRegular, "starter")
	require.NoError(t, err)
	assert.Equal(t, int64(30), buyerAvail)
}

// --- Audit ---

func TestAudit_Filters(t *testing.T) {
	e := newTestEnv(t)
	e.seedListing(t, "L1", 100)
	e.seedOffer(t, "O1", model.OfferPending, 10)
	e.seedOffer(t, "O2", model.OfferPending, 10)

	require.Equal(t, http.StatusOK, e.do(t, "POST", "/api/v1/admin/offers/O1/cancel", admin.CancelRequest{Reason: "r1"}).Code)
	require.Equal(t, http.StatusOK, e.do(t, "POST", "/api/v1/admin/offers/O2/cancel", admin.CancelRequest{Reason: "r2"}).Code)
	require.Equal(t, http.StatusOK, e.do(t, "POST", "/api/v1/admin/offers/O1/refund", admin.RefundRequest{Reason: "r3"}).Code)

	var resp struct {
		Entries []model.AuditEntry `json:"entries"`
	}
	w := e.do(t, "GET", "/api/v1/admin/audit?action=cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Entries, 2)

	w = e.do(t, "GET", "/api/v1/admin/audit?target_id=O1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Entries, 2, "cancel and refund both touched O1")
}
