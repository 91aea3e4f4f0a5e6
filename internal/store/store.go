// Package store declares the transactional persistence contract shared by
// the postgres and in-memory implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/marketplace-fulfillment/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrOpenMPOExists is returned when a second MPO would be draft/open.
	ErrOpenMPOExists = errors.New("store: another master purchase order is draft or open")
)

type Store interface {
	// InTx runs fn inside one transaction. Any error from fn rolls back
	// every write made through tx. Lock* methods hold their rows until
	// the transaction ends.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

type Tx interface {
	OrderTx
	StockTx
	CartTx
	MPOTx
	WalletTx
}

type OrderTx interface {
	InsertOrder(ctx context.Context, o *domain.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	// OrderByExternalID finds an order by its caller-supplied idempotency key.
	OrderByExternalID(ctx context.Context, externalID string) (*domain.Order, error)
	LockOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	UpdateOrder(ctx context.Context, o *domain.Order) error
	// ExpiredReservations lists waiting orders whose window ended before now.
	// Every limit in this package treats zero or less as unlimited.
	ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	BuyerHasActiveReservation(ctx context.Context, buyerID string, now time.Time) (bool, error)
	// OrdersReadyToBatch lists paid orders that were never linked to an MPO,
	// all of them when limit is 0.
	OrdersReadyToBatch(ctx context.Context, limit int) ([]*domain.Order, error)
	// OrderDemand sums line quantities per SKU for confirmed and pending orders.
	OrderDemand(ctx context.Context) (map[string]domain.OrderDemand, error)
}

type StockTx interface {
	// LockStock returns the SKU row locked for update, creating an empty
	// record when the SKU is unknown.
	LockStock(ctx context.Context, sku string) (*domain.StockRecord, error)
	// GetStock reads records without locking; nil skus means every SKU.
	GetStock(ctx context.Context, skus []string) (map[string]domain.StockRecord, error)
	SaveStock(ctx context.Context, r *domain.StockRecord) error
	InsertAllocation(ctx context.Context, a *domain.StockAllocation) error
	// LockAllocations returns the order's active allocations locked.
	LockAllocations(ctx context.Context, orderID uuid.UUID) ([]domain.StockAllocation, error)
	UpdateAllocation(ctx context.Context, a *domain.StockAllocation) error
	InsertTransitBatch(ctx context.Context, b *domain.TransitBatch) error
	LockTransitBatch(ctx context.Context, id uuid.UUID) (*domain.TransitBatch, error)
	UpdateTransitBatch(ctx context.Context, b *domain.TransitBatch) error
}

type CartTx interface {
	OpenCartLines(ctx context.Context) ([]domain.CartLine, error)
	AddCartLines(ctx context.Context, lines []domain.CartLine) error
}

type MPOTx interface {
	// InsertMPO assigns the next business number. It returns
	// ErrOpenMPOExists when another MPO is draft or open.
	InsertMPO(ctx context.Context, m *domain.MasterPurchaseOrder) error
	GetMPO(ctx context.Context, id uuid.UUID) (*domain.MasterPurchaseOrder, error)
	LockMPO(ctx context.Context, id uuid.UUID) (*domain.MasterPurchaseOrder, error)
	CurrentMPO(ctx context.Context) (*domain.MasterPurchaseOrder, error)
	UpdateMPO(ctx context.Context, m *domain.MasterPurchaseOrder) error
	// MPOsWithLaggingLinks lists MPOs in a logistics stage with at least
	// one link whose stage is behind.
	MPOsWithLaggingLinks(ctx context.Context) ([]uuid.UUID, error)

	// InsertLink returns false when the order is already linked.
	InsertLink(ctx context.Context, l *domain.OrderLink) (bool, error)
	ListLinks(ctx context.Context, mpoID uuid.UUID) ([]domain.OrderLink, error)
	// LockLinksBehind locks up to limit links (0 for all) of the MPO whose
	// stage ranks below stage.
	LockLinksBehind(ctx context.Context, mpoID uuid.UUID, stage domain.MPOStatus, limit int) ([]domain.OrderLink, error)
	LockLink(ctx context.Context, id uuid.UUID) (*domain.OrderLink, error)
	LockLinkByCustomerDigest(ctx context.Context, digest string) (*domain.OrderLink, error)
	UpdateLink(ctx context.Context, l *domain.OrderLink) error
	// LinksAwaitingWalletSplit lists delivered, escrow-eligible links that
	// were not processed yet.
	LinksAwaitingWalletSplit(ctx context.Context, mpoID uuid.UUID, now time.Time) ([]uuid.UUID, error)
	MPOsAwaitingWalletSplit(ctx context.Context, now time.Time) ([]uuid.UUID, error)

	InsertPickingItems(ctx context.Context, items []domain.PickingItem) error
	PickingItems(ctx context.Context, mpoID uuid.UUID) ([]domain.PickingItem, error)
}

type WalletTx interface {
	CreditWallet(ctx context.Context, e *domain.WalletEntry) error
	WalletBalance(ctx context.Context, partyID string) (int64, error)
}
