package model

import (
	"encoding/hex"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// Prefixed, globally unique identifiers. The hex segment comes from a
// random UUID so uniqueness does not depend on the timestamp suffix.

func hex8() string {
	u := uuid.New()
	return hex.EncodeToString(u[:4])
}

func ts6(now time.Time) int64 {
	return now.Unix() % 1_000_000
}

// NewListingID generates a whole-share listing id, LST-<hex8>-<ts6>.
func NewListingID(now time.Time) string {
	return fmt.Sprintf("LST-%s-%06d", hex8(), ts6(now))
}

// NewPercentageListingID generates a percentage listing id,
// POF-<tier>-<ts>-<rand9>.
func NewPercentageListingID(tier string, now time.Time) string {
	return fmt.Sprintf("POF-%s-%d-%09d", tier, now.Unix(), rand.Int63n(1_000_000_000))
}

// NewOfferID generates an offer id, OFR-<hex8>-<ts6>.
func NewOfferID(now time.Time) string {
	return fmt.Sprintf("OFR-%s-%06d", hex8(), ts6(now))
}

// NewTransferID generates a transfer-record id, TRF-<hex8>-<ts6>.
func NewTransferID(now time.Time) string {
	return fmt.Sprintf("TRF-%s-%06d", hex8(), ts6(now))
}

// NewLotID generates an inventory-lot id.
func NewLotID() string { return "LOT-" + uuid.New().String() }

// NewAuditID generates an audit-entry id.
func NewAuditID() string { return "AUD-" + uuid.New().String() }
