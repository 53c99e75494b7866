package repo

import "time"

// Order statuses.
const (
	OrderPending   = "pending"
	OrderPaid      = "paid"
	OrderDelivered = "delivered"
	OrderCancelled = "cancelled"
	OrderRefunded  = "refunded"
)

// Balance transaction types.
const (
	TxCredit       = "credit"
	TxFeeDeduction = "fee_deduction"
)

// Platform fee funding sources.
const (
	FeeFromBalance = "balance"
	FeeFromDebt    = "debt"
)

// Client represents a merchant tenant and its settings row.
type Client struct {
	ID                  string
	Name                string
	BotToken            string
	WebhookSecret       string
	Gateway             string
	GatewayAPIKey       string
	GatewaySecret       string
	AutoDelivery        bool
	CartReminderEnabled bool
	FeeRateCents        *int64
	FacebookPixelID     *string
	FacebookAccessToken *string
	TestEventCode       *string
	TikTokPixelID       *string
	TikTokAccessToken   *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Customer is a Telegram buyer scoped to one client. The same telegram_id may
// exist once per client.
type Customer struct {
	ID         string
	ClientID   string
	TelegramID int64
	FirstName  *string
	Username   *string
	UTMSource  *string
	TTCLID     *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CustomerProfile carries data used to upsert a customer.
type CustomerProfile struct {
	ClientID   string
	TelegramID int64
	FirstName  *string
	Username   *string
	UTMSource  *string
	TTCLID     *string
}

// Product is a sellable item owned by a client.
type Product struct {
	ID                        string
	ClientID                  string
	Name                      string
	PriceCents                int64
	FileURL                   *string
	TelegramGroupID           *int64
	RequireFeesBeforeDelivery bool
	SalesCount                int64
	ViewsCount                int64
	IsActive                  bool
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

// ProductFee is a mandatory payment step collected before delivery,
// ordered per product by DisplayOrder.
type ProductFee struct {
	ID             string
	ProductID      string
	Name           string
	AmountCents    int64
	DisplayOrder   int
	PaymentMessage *string
	ButtonText     *string
	IsActive       bool
}

// Order is a purchase attempt. A fee order has ProductID nil, ParentOrderID
// and FeeID set, and tracks payment of one mandatory fee of the parent order.
type Order struct {
	ID                   string
	ClientID             string
	CustomerID           string
	ProductID            *string
	ParentOrderID        *string
	FeeID                *string
	AmountCents          int64
	Status               string
	PaymentMethod        string
	PaymentID            *string
	PixCode              *string
	PixQRCode            *string
	FeesPaid             []string
	RecoveryMessagesSent int
	LastRecoverySentAt   *time.Time
	CreatedAt            time.Time
	PaidAt               *time.Time
	DeliveredAt          *time.Time
	UpdatedAt            time.Time
}

// IsFeeOrder reports whether the order tracks a mandatory fee payment.
func (o *Order) IsFeeOrder() bool {
	return o.ParentOrderID != nil
}

// ClientBalance is the per-merchant balance row mutated by concurrent
// webhook paths; all writes go through conditional updates.
type ClientBalance struct {
	ClientID      string
	BalanceCents  int64
	DebtCents     int64
	DebtStartedAt *time.Time
	IsBlocked     bool
	BlockedAt     *time.Time
	UpdatedAt     time.Time
}

// BalanceTransaction is an immutable ledger entry. Every balance mutation
// produces exactly one row.
type BalanceTransaction struct {
	ID            string
	ClientID      string
	Type          string
	AmountCents   int64
	Description   string
	ReferenceID   *string
	PaymentMethod *string
	CreatedAt     time.Time
}

// PlatformFee records the marketplace cut taken on one paid order.
type PlatformFee struct {
	ID          string
	ClientID    string
	OrderID     string
	AmountCents int64
	Source      string
	CreatedAt   time.Time
}

// FeeSettlement is the outcome of settling the platform fee for an order.
type FeeSettlement struct {
	OrderID     string
	AmountCents int64
	Source      string
}

// CreditResult describes how a credit was split between debt payoff and
// balance top-up.
type CreditResult struct {
	DebtPaidCents     int64
	BalanceAddedCents int64
	DebtCleared       bool
}

// CartRecoveryMessage is one step of a client's recovery drip sequence.
type CartRecoveryMessage struct {
	ID             string
	ClientID       string
	DelayValue     int
	TimeUnit       string
	MessageContent string
	IsActive       bool
	DisplayOrder   int
	OfferProductID *string
	MediaURL       *string
	MediaType      *string
}

// PushSubscription is a stored browser push endpoint for a merchant dashboard.
type PushSubscription struct {
	ID        string
	ClientID  string
	Endpoint  string
	P256dh    string
	Auth      string
	CreatedAt time.Time
}

// TrackingEvent is an audit row for an outbound conversions API call.
type TrackingEvent struct {
	ID              string
	ClientID        string
	OrderID         string
	Provider        string
	EventName       string
	APIStatus       string
	APIResponseCode *int
	APIErrorMessage *string
	CreatedAt       time.Time
}
