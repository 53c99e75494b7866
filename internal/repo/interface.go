package repo

import (
	"context"
	"errors"
	"io/fs"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Repository defines the interface for data persistence.
type Repository interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Clients
	GetClient(ctx context.Context, id string) (*Client, error)
	ListReminderClients(ctx context.Context) ([]Client, error)

	// Customers
	UpsertCustomer(ctx context.Context, profile CustomerProfile) (*Customer, error)
	GetCustomer(ctx context.Context, id string) (*Customer, error)

	// Products
	GetProduct(ctx context.Context, id string) (*Product, error)
	ListActiveProducts(ctx context.Context, clientID string) ([]Product, error)
	ListActiveFees(ctx context.Context, productID string) ([]ProductFee, error)
	GetFee(ctx context.Context, id string) (*ProductFee, error)
	IncrementProductSales(ctx context.Context, id string) error
	IncrementProductViews(ctx context.Context, id string) error

	// Orders
	InsertOrder(ctx context.Context, order Order) (*Order, error)
	GetOrder(ctx context.Context, id string) (*Order, error)
	GetOrderByPaymentID(ctx context.Context, clientID, paymentID string) (*Order, error)
	SetOrderPayment(ctx context.Context, id string, paymentID, pixCode, pixQRCode string) error
	MarkOrderPaid(ctx context.Context, id string) (bool, error)
	MarkOrderDelivered(ctx context.Context, id string) (bool, error)
	CancelOrder(ctx context.Context, id string) (bool, error)
	MarkOrderRefunded(ctx context.Context, id string) (bool, error)
	AddFeePaid(ctx context.Context, orderID, feeID string) error
	ListRecoveryCandidates(ctx context.Context, clientID string, maxMessages int) ([]Order, error)
	RecordRecoverySend(ctx context.Context, orderID string, sent int, at time.Time) error
	ListExpiredPending(ctx context.Context, clientID string, before time.Time) ([]Order, error)

	// Balances
	EnsureBalance(ctx context.Context, clientID string) error
	GetBalance(ctx context.Context, clientID string) (*ClientBalance, error)
	SettleOrderFee(ctx context.Context, clientID, orderID string, amountCents int64) (*FeeSettlement, error)
	CreditBalance(ctx context.Context, clientID string, amountCents int64, method string, referenceID *string) (*CreditResult, error)
	ListBalanceTransactions(ctx context.Context, clientID string, limit int) ([]BalanceTransaction, error)

	// Cart recovery
	ListRecoveryMessages(ctx context.Context, clientID string) ([]CartRecoveryMessage, error)

	// Push subscriptions
	ListPushSubscriptions(ctx context.Context, clientID string) ([]PushSubscription, error)
	InsertPushSubscription(ctx context.Context, sub PushSubscription) (*PushSubscription, error)
	DeletePushSubscription(ctx context.Context, id string) error

	// Tracking
	InsertTrackingEvent(ctx context.Context, evt TrackingEvent) error
}
