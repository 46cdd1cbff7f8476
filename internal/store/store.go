package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")

	// ErrDerivationReuse means a derivation index was about to be bound to
	// a second order. That is a programming-invariant violation, not a
	// recoverable condition: the watch creation that hit it must abort.
	ErrDerivationReuse = errors.New("derivation index already assigned")
)

// WatchRecord is the persisted state of one payment watch. The stored state
// is the authoritative record; realtime delivery is best-effort on top.
type WatchRecord struct {
	OrderID         string    `json:"order_id"`
	MerchantID      string    `json:"merchant_id"`
	Address         string    `json:"address"`
	DerivationPath  string    `json:"derivation_path"`
	DerivationIndex uint32    `json:"derivation_index"`
	ExpectedAmount  string    `json:"expected_amount"`
	State           string    `json:"state"`
	ConfirmedAmount string    `json:"confirmed_amount,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Store persists encrypted seeds, the per-merchant derivation cursor and
// watch records.
type Store interface {
	// PutSeed stores a merchant's encrypted seed blob, replacing any
	// previous one (used at onboarding and for format migration).
	PutSeed(ctx context.Context, merchantID, blob string) error
	GetSeed(ctx context.Context, merchantID string) (string, error)

	// NextIndex returns the next derivation index for the merchant.
	// Indices are strictly increasing and never handed out twice.
	NextIndex(ctx context.Context, merchantID string) (uint32, error)

	// ReserveIndex marks an index as bound to an order. A second
	// reservation of the same index fails with ErrDerivationReuse.
	ReserveIndex(ctx context.Context, merchantID string, index uint32) error

	PutWatch(ctx context.Context, rec WatchRecord) error
	GetWatch(ctx context.Context, orderID string) (WatchRecord, error)
	ListActiveWatches(ctx context.Context) ([]WatchRecord, error)
}
