// Package admin provides the operator mediation surface: dashboard and
// reports, force-complete, cancel, delete, refund, disputes, bulk
// operations, and the audit log.
//
// Every state-changing action appends an AuditEntry in the same transaction
// as the change it describes; delete writes the entry before the row is
// removed so provenance survives. Settlements go through the settlement
// coordinator, so operator authority never bypasses inventory invariants.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/sharemkt/settlement-engine/internal/apperr"
	"github.com/sharemkt/settlement-engine/internal/clock"
	"github.com/sharemkt/settlement-engine/internal/httpx"
	"github.com/sharemkt/settlement-engine/internal/identity"
	"github.com/sharemkt/settlement-engine/internal/metrics"
	"github.com/sharemkt/settlement-engine/internal/model"
	"github.com/sharemkt/settlement-engine/internal/settlement"
	"github.com/sharemkt/settlement-engine/internal/store"
)

// DefaultStuckThreshold is how long an offer may sit in in_payment after
// acceptance before the dashboard counts it as stuck.
const DefaultStuckThreshold = 24 * time.Hour

// Service handles the admin surface.
type Service struct {
	store          store.Store
	settlement     *settlement.Coordinator
	now            clock.Clock
	stuckThreshold time.Duration
	validate       *validator.Validate
}

// NewService creates an admin service.
func NewService(st store.Store, coord *settlement.Coordinator, now clock.Clock) *Service {
	return &Service{
		store:          st,
		settlement:     coord,
		now:            now,
		stuckThreshold: DefaultStuckThreshold,
		validate:       validator.New(),
	}
}

// --- Request/Response types ---

// ForceCompleteRequest is the JSON body for force-complete.
type ForceCompleteRequest struct {
	Reason string `json:"reason" validate:"required"`
	Notes  string `json:"notes,omitempty"`
	Proof  string `json:"proof,omitempty"`
}

// CancelRequest is the JSON body for admin cancel.
type CancelRequest struct {
	Reason      string           `json:"reason" validate:"required"`
	RefundBuyer bool             `json:"refund_buyer"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
}

// DeleteRequest is the JSON body for admin delete.
type DeleteRequest struct {
	Confirm bool   `json:"confirm" validate:"required"`
	Reason  string `json:"reason" validate:"required"`
}

// RefundRequest is the JSON body for admin refund.
type RefundRequest struct {
	Amount *decimal.Decimal `json:"amount,omitempty"`
	Reason string           `json:"reason" validate:"required"`
	Method string           `json:"method,omitempty"`
}

// DisputeRequest is the JSON body for flagging or disputing an offer.
type DisputeRequest struct {
	Reason string `json:"reason" validate:"required"`
	Notes  string `json:"notes,omitempty"`
}

// ResolveRequest is the JSON body for resolving a dispute.
type ResolveRequest struct {
	Decision string `json:"decision" validate:"required,oneof=award_buyer award_seller mediation refund"`
	Notes    string `json:"notes,omitempty"`
}

// UpdateStatusRequest is the JSON body for the manual status override.
type UpdateStatusRequest struct {
	Status model.OfferStatus `json:"status" validate:"required"`
	Reason string            `json:"reason" validate:"required"`
}

// BulkRequest is the JSON body for bulk complete/cancel.
type BulkRequest struct {
	Action   string   `json:"action" validate:"required,oneof=complete cancel"`
	OfferIDs []string `json:"offer_ids" validate:"required,min=1"`
	Reason   string   `json:"reason" validate:"required"`
}

// BulkFailure is one failed item in a bulk result.
type BulkFailure struct {
	OfferID string `json:"offer_id"`
	Error   string `json:"error"`
}

// BulkResult is the outcome of a bulk operation. Each offer runs in its own
// transaction; failures do not roll back successes.
type BulkResult struct {
	Succeeded []string      `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

// Dashboard is the operator overview.
type Dashboard struct {
	OffersByStatus map[model.OfferStatus]int64        `json:"offers_by_status"`
	StuckOffers    []model.Offer                      `json:"stuck_offers"`
	StuckCount     int                                `json:"stuck_count"`
	SettledValue   map[model.Currency]decimal.Decimal `json:"settled_value_by_currency"`
	GeneratedAt    time.Time                          `json:"generated_at"`
}

// DailyReport is one day's settlement roll-up.
type DailyReport struct {
	Date      string                             `json:"date"`
	Transfers int                                `json:"transfers"`
	Shares    int64                              `json:"shares"`
	Value     map[model.Currency]decimal.Decimal `json:"value_by_currency"`
}

// --- HTTP Handlers ---

// GetDashboard handles GET /api/v1/admin/dashboard. Snapshot reads; counts
// may interleave with writers.
func (s *Service) GetDashboard(w http.ResponseWriter, r *http.Request) {
	now := s.now()

	counts, err := s.store.OfferStatusCounts(r.Context())
	if err != nil {
		httpx.WriteErr(w, apperr.Dependency(err, "load offer counts"))
		return
	}
	stuck, err := s.store.ListOffers(r.Context(), store.OfferFilter{
		Statuses:       []model.OfferStatus{model.OfferInPayment},
		AcceptedBefore: now.Add(-s.stuckThreshold),
	})
	if err != nil {
		httpx.WriteErr(w, apperr.Dependency(err, "load stuck offers"))
		return
	}
	value, err := s.store.SettledValueByCurrency(r.Context(), time.Time{})
	if err != nil {
		httpx.WriteErr(w, apperr.Dependency(err, "load settled value"))
		return
	}

	httpx.WriteJSON(w, http.StatusOK, Dashboard{
		OffersByStatus: counts,
		StuckOffers:    stuck,
		StuckCount:     len(stuck),
		SettledValue:   value,
		GeneratedAt:    now,
	})
}

// GetReports handles GET /api/v1/admin/reports?days=7: daily settlement
// roll-ups, most recent day first.
func (s *Service) GetReports(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 90 {
			httpx.WriteError(w, "days must be between 1 and 90", http.StatusBadRequest)
			return
		}
		days = n
	}

	now := s.now()
	since := now.AddDate(0, 0, -days)
	transfers, err := s.store.ListTransfers(r.Context(), store.TransferFilter{
		Status:       model.RecordCompleted,
		CreatedAfter: since,
	})
	if err != nil {
		httpx.WriteErr(w, apperr.Dependency(err, "load transfers since %s", since.Format("2006-01-02")))
		return
	}

	byDay := make(map[string]*DailyReport)
	order := make([]string, 0, days)
	for i := range transfers {
		t := &transfers[i]
		day := t.CreatedAt.UTC().Format("2006-01-02")
		rep, ok := byDay[day]
		if !ok {
			rep = &DailyReport{Date: day, Value: make(map[model.Currency]decimal.Decimal)}
			byDay[day] = rep
			order = append(order, day)
		}
		rep.Transfers++
		rep.Shares += t.ShareCount
		rep.Value[t.Currency] = rep.Value[t.Currency].Add(t.TotalPrice)
	}

	reports := make([]DailyReport, 0, len(order))
	for _, day := range order {
		reports = append(reports, *byDay[day])
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"since":   since.UTC().Format("2006-01-02"),
		"days":    days,
		"reports": reports,
	})
}

// ForceComplete handles POST /api/v1/admin/offers/{offerID}/force-complete.
func (s *Service) ForceComplete(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.FromContext(r.Context())
	id := chi.URLParam(r, "offerID")

	var req ForceCompleteRequest
	if err := decodeValid(s.validate, r, &req); err != nil {
		httpx.WriteErr(w, err)
		return
	}

	rec, err := s.settlement.ForceComplete(r.Context(), id, settlement.ForceOptions{
		AdminID: p.UserID,
		Reason:  req.Reason,
		Notes:   req.Notes,
		Proof:   req.Proof,
	})
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	slog.Info("offer force-completed", "offer", id, "admin", p.UserID, "transfer", rec.ID)
	httpx.WriteJSON(w, http.StatusOK, rec)
}

// Cancel handles POST /api/v1/admin/offers/{offerID}/cancel. Legal on any
// non-completed offer; idempotent on already-cancelled ones.
func (s *Service) Cancel(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.FromContext(r.Context())
	id := chi.URLParam(r, "offerID")

	var req CancelRequest
	if err := decodeValid(s.validate, r, &req); err != nil {
		httpx.WriteErr(w, err)
		return
	}

	offer, err := s.adminCancel(r, id, p.UserID, req.Reason, "", req.RefundBuyer, req.Amount)
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	metrics.AdminActions.WithLabelValues("cancel").Inc()
	httpx.WriteJSON(w, http.StatusOK, offer)
}

// adminCancel cancels a non-completed offer with admin provenance, an
// optional refund record, an optional dispute-resolution stamp, and the
// audit entry, all in one transaction.
func (s *Service) adminCancel(r *http.Request, id, adminID, reason, resolution string, refund bool, amount *decimal.Decimal) (*model.Offer, error) {
	var offer *model.Offer
	err := s.store.WithTx(r.Context(), func(tx store.Tx) error {
		var err error
		offer, err = s.loadOffer(r, tx, id)
		if err != nil {
			return err
		}
		if offer.Status == model.OfferCancelled {
			return nil // already cancelled, idempotent
		}
		if offer.Status == model.OfferCompleted {
			return apperr.State("offer %s is completed and cannot be cancelled", id)
		}

		now := s.now()
		offer.Status = model.OfferCancelled
		offer.CancelReason = reason
		offer.CancelledAt = &now
		if refund {
			amt := offer.TotalPrice
			if amount != nil {
				amt = *amount
			}
			offer.Refunded = true
			offer.Refund = &model.Refund{Amount: amt, Reason: reason, By: adminID, At: now}
			offer.PaymentStatus = model.PaymentRefunded
		}
		action := "cancel"
		if resolution != "" {
			action = "resolve_dispute"
			offer.DisputeResolution = &model.DisputeResolution{
				Decision: resolution,
				By:       adminID,
				Notes:    reason,
				At:       now,
			}
		}
		if err := tx.UpdateOffer(r.Context(), offer); err != nil {
			return apperr.Dependency(err, "cancel offer %s", id)
		}
		return tx.AppendAudit(r.Context(), &model.AuditEntry{
			ID:         model.NewAuditID(),
			AdminID:    adminID,
			Action:     action,
			TargetKind: "offer",
			TargetID:   id,
			Details:    resolution,
			Reason:     reason,
			At:         now,
		})
	})
	if err != nil {
		return nil, err
	}
	metrics.OffersClosed.WithLabelValues("cancelled").Inc()
	slog.Info("offer cancelled by admin", "offer", id, "admin", adminID, "reason", reason)
	return offer, nil
}

// Delete handles POST /api/v1/admin/offers/{offerID}/delete. Legal only for
// cancelled or failed offers. The audit entry is written before the row is
// removed.
func (s *Service) Delete(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.FromContext(r.Context())
	id := chi.URLParam(r, "offerID")

	var req DeleteRequest
	if err := decodeValid(s.validate, r, &req); err != nil {
		httpx.WriteErr(w, err)
		return
	}

	err := s.store.WithTx(r.Context(), func(tx store.Tx) error {
		offer, err := s.loadOffer(r, tx, id)
		if err != nil {
			return err
		}
		if offer.Status != model.OfferCancelled && offer.Status != model.OfferFailed {
			return apperr.Conflict("offer %s is %s; only cancelled or failed offers can be deleted", id, offer.Status)
		}

		if err := tx.AppendAudit(r.Context(), &model.AuditEntry{
			ID:         model.NewAuditID(),
			AdminID:    p.UserID,
			Action:     "delete",
			TargetKind: "offer",
			TargetID:   id,
			Details:    req.Reason,
			Reason:     "Deleted transaction " + id,
			At:         s.now(),
		}); err != nil {
			return apperr.Dependency(err, "write audit entry for %s", id)
		}
		if err := tx.DeleteOffer(r.Context(), id); err != nil {
			return apperr.Dependency(err, "delete offer %s", id)
		}
		return nil
	})
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}

	metrics.AdminActions.WithLabelValues("delete").Inc()
	slog.Info("offer deleted", "offer", id, "admin", p.UserID)
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"offer_id": id, "deleted": "true"})
}

// Refund handles POST /api/v1/admin/offers/{offerID}/refund. Information
// only; the engine never executes the funds movement. Idempotent on repeat
// invocation with the same amount.
func (s *Service) Refund(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.FromContext(r.Context())
	id := chi.URLParam(r, "offerID")

	var req RefundRequest
	if err := decodeValid(s.validate, r, &req); err != nil {
		httpx.WriteErr(w, err)
		return
	}

	var offer *model.Offer
	err := s.store.WithTx(r.Context(), func(tx store.Tx) error {
		var err error
		offer, err = s.loadOffer(r, tx, id)
		if err != nil {
			return err
		}

		amt := offer.TotalPrice
		if req.Amount != nil {
			amt = *req.Amount
		}
		if offer.Refunded && offer.Refund != nil {
			if offer.Refund.Amount.Equal(amt) {
				return nil // same refund already recorded
			}
			return apperr.Conflict("offer %s already refunded %s; cannot re-refund %s",
				id, offer.Refund.Amount, amt)
		}

		now := s.now()
		offer.Refunded = true
		offer.Refund = &model.Refund{Amount: amt, Reason: req.Reason, Method: req.Method, By: p.UserID, At: now}
		offer.PaymentStatus = model.PaymentRefunded
		if err := tx.UpdateOffer(r.Context(), offer); err != nil {
			return apperr.Dependency(err, "record refund on %s", id)
		}
		return tx.AppendAudit(r.Context(), &model.AuditEntry{
			ID:         model.NewAuditID(),
			AdminID:    p.UserID,
			Action:     "refund",
			TargetKind: "offer",
			TargetID:   id,
			Details:    amt.String() + " " + string(offer.Currency),
			Reason:     req.Reason,
			At:         now,
		})
	})
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}

	metrics.AdminActions.WithLabelValues("refund").Inc()
	httpx.WriteJSON(w, http.StatusOK, offer)
}

// Dispute handles POST /api/v1/admin/offers/{offerID}/dispute: flags a
// non-completed offer for mediation. Idempotent on already-disputed offers.
func (s *Service) Dispute(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.FromContext(r.Context())
	id := chi.URLParam(r, "offerID")

	var req DisputeRequest
	if err := decodeValid(s.validate, r, &req); err != nil {
		httpx.WriteErr(w, err)
		return
	}

	var offer *model.Offer
	err := s.store.WithTx(r.Context(), func(tx store.Tx) error {
		var err error
		offer, err = s.loadOffer(r, tx, id)
		if err != nil {
			return err
		}
		if offer.Status == model.OfferDisputed {
			return nil
		}
		if offer.Status.Terminal() {
			return apperr.State("offer %s is %s and cannot be disputed", id, offer.Status)
		}

		now := s.now()
		offer.Status = model.OfferDisputed
		offer.DisputeReason = req.Reason
		if err := tx.UpdateOffer(r.Context(), offer); err != nil {
			return apperr.Dependency(err, "dispute offer %s", id)
		}
		return tx.AppendAudit(r.Context(), &model.AuditEntry{
			ID:         model.NewAuditID(),
			AdminID:    p.UserID,
			Action:     "dispute",
			TargetKind: "offer",
			TargetID:   id,
			Details:    req.Notes,
			Reason:     req.Reason,
			At:         now,
		})
	})
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}

	metrics.AdminActions.WithLabelValues("dispute").Inc()
	slog.Info("offer disputed", "offer", id, "admin", p.UserID, "reason", req.Reason)
	httpx.WriteJSON(w, http.StatusOK, offer)
}

// Resolve handles POST /api/v1/admin/offers/{offerID}/resolve.
//
// award_seller and mediation settle through the coordinator (inventory
// moves); award_buyer and refund cancel with a full refund record.
// mediation additionally records a refund of half the trade value.
func (s *Service) Resolve(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.FromContext(r.Context())
	id := chi.URLParam(r, "offerID")

	var req ResolveRequest
	if err := decodeValid(s.validate, r, &req); err != nil {
		httpx.WriteErr(w, err)
		return
	}

	offer, err := s.store.GetOffer(r.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			httpx.WriteError(w, "offer not found", http.StatusNotFound)
			return
		}
		httpx.WriteErr(w, apperr.Dependency(err, "load offer %s", id))
		return
	}
	if offer.Status != model.OfferDisputed {
		httpx.WriteErr(w, apperr.State("offer %s is %s; only disputed offers can be resolved", id, offer.Status))
		return
	}

	reason := "Dispute resolved: " + req.Decision

	switch req.Decision {
	case "award_seller", "mediation":
		opts := settlement.ForceOptions{
			AdminID:    p.UserID,
			Reason:     reason,
			Notes:      req.Notes,
			Resolution: req.Decision,
		}
		if req.Decision == "mediation" {
			half := offer.TotalPrice.Div(decimal.NewFromInt(2))
			opts.RefundAmount = &half
		}
		rec, err := s.settlement.ForceComplete(r.Context(), id, opts)
		if err != nil {
			httpx.WriteErr(w, err)
			return
		}
		metrics.AdminActions.WithLabelValues("resolve_dispute").Inc()
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"offer_id": id, "decision": req.Decision, "transfer": rec})

	case "award_buyer", "refund":
		resolved, err := s.adminCancel(r, id, p.UserID, reason, req.Decision, true, nil)
		if err != nil {
			httpx.WriteErr(w, err)
			return
		}
		metrics.AdminActions.WithLabelValues("resolve_dispute").Inc()
		httpx.WriteJSON(w, http.StatusOK, resolved)
	}
}

// UpdateStatus handles POST /api/v1/admin/offers/{offerID}/status: the
// manual override for states the other actions do not reach. Completing an
// offer must go through force-complete so inventory moves.
func (s *Service) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.FromContext(r.Context())
	id := chi.URLParam(r, "offerID")

	var req UpdateStatusRequest
	if err := decodeValid(s.validate, r, &req); err != nil {
		httpx.WriteErr(w, err)
		return
	}
	switch req.Status {
	case model.OfferPending, model.OfferAccepted, model.OfferInPayment,
		model.OfferCancelled, model.OfferDisputed, model.OfferFailed:
	case model.OfferCompleted:
		httpx.WriteErr(w, apperr.Validation("use force-complete to complete an offer"))
		return
	default:
		httpx.WriteErr(w, apperr.Validation("unknown status %q", req.Status))
		return
	}

	var offer *model.Offer
	err := s.store.WithTx(r.Context(), func(tx store.Tx) error {
		var err error
		offer, err = s.loadOffer(r, tx, id)
		if err != nil {
			return err
		}
		if offer.Status == req.Status {
			return nil
		}
		if offer.Status == model.OfferCompleted {
			return apperr.State("offer %s is completed; its status cannot be rewritten", id)
		}

		now := s.now()
		prev := offer.Status
		offer.Status = req.Status
		if req.Status == model.OfferCancelled {
			offer.CancelReason = req.Reason
			offer.CancelledAt = &now
		}
		if err := tx.UpdateOffer(r.Context(), offer); err != nil {
			return apperr.Dependency(err, "update status on %s", id)
		}
		return tx.AppendAudit(r.Context(), &model.AuditEntry{
			ID:         model.NewAuditID(),
			AdminID:    p.UserID,
			Action:     "update_status",
			TargetKind: "offer",
			TargetID:   id,
			Details:    string(prev) + " -> " + string(req.Status),
			Reason:     req.Reason,
			At:         now,
		})
	})
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}

	metrics.AdminActions.WithLabelValues("update_status").Inc()
	httpx.WriteJSON(w, http.StatusOK, offer)
}

// Bulk handles POST /api/v1/admin/offers/bulk. Each offer is its own
// transaction; a partial batch does not roll back its successes.
func (s *Service) Bulk(w http.ResponseWriter, r *http.Request) {
	p, _ := identity.FromContext(r.Context())

	var req BulkRequest
	if err := decodeValid(s.validate, r, &req); err != nil {
		httpx.WriteErr(w, err)
		return
	}

	result := BulkResult{Succeeded: []string{}, Failed: []BulkFailure{}}
	for _, id := range req.OfferIDs {
		var err error
		switch req.Action {
		case "complete":
			_, err = s.settlement.ForceComplete(r.Context(), id, settlement.ForceOptions{
				AdminID: p.UserID,
				Reason:  req.Reason,
			})
		case "cancel":
			_, err = s.adminCancel(r, id, p.UserID, req.Reason, "", false, nil)
		}
		if err != nil {
			result.Failed = append(result.Failed, BulkFailure{OfferID: id, Error: err.Error()})
			continue
		}
		result.Succeeded = append(result.Succeeded, id)
	}

	metrics.AdminActions.WithLabelValues("bulk_" + req.Action).Inc()
	slog.Info("bulk operation finished",
		"action", req.Action,
		"admin", p.UserID,
		"succeeded", len(result.Succeeded),
		"failed", len(result.Failed),
	)
	httpx.WriteJSON(w, http.StatusOK, result)
}

// GetAudit handles GET /api/v1/admin/audit.
func (s *Service) GetAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.AuditFilter{
		AdminID:  q.Get("admin_id"),
		TargetID: q.Get("target_id"),
		Action:   q.Get("action"),
	}
	filter.Limit, filter.Offset = httpx.PageParams(q.Get("limit"), q.Get("offset"))

	entries, err := s.store.ListAudit(r.Context(), filter)
	if err != nil {
		httpx.WriteErr(w, apperr.Dependency(err, "load audit log"))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"limit":   filter.Limit,
		"offset":  filter.Offset,
	})
}

// --- helpers ---

func (s *Service) loadOffer(r *http.Request, tx store.Tx, id string) (*model.Offer, error) {
	offer, err := tx.GetOfferForUpdate(r.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperr.NotFound("offer %s not found", id)
		}
		return nil, apperr.Dependency(err, "load offer %s", id)
	}
	return offer, nil
}

// decodeValid decodes the JSON body and runs struct validation.
func decodeValid(v *validator.Validate, r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.Validation("invalid request body")
	}
	if err := v.Struct(dst); err != nil {
		return apperr.Validation("%s", err.Error())
	}
	return nil
}
