package tg

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Callback data vocabulary. Telegram limits callback_data to 64 bytes, so
// the two-id fee callback packs UUIDs as 22-char base64url strings.
const (
	cbBuyPrefix     = "buy_"
	cbPaidPrefix    = "paid_"
	cbCancelPrefix  = "cancel_"
	cbFeePrefix     = "gf:"
	cbFeePaidPrefix = "feepaid:"
)

// Callback is a decoded callback_data value.
type Callback struct {
	Action     string
	OrderID    string
	ProductID  string
	FeeID      string
	FeeOrderID string
}

// Callback actions.
const (
	ActionBuy     = "buy"
	ActionPaid    = "paid"
	ActionCancel  = "cancel"
	ActionFee     = "fee"
	ActionFeePaid = "feepaid"
)

// BuyCallback encodes a buy button for a product.
func BuyCallback(productID string) string { return cbBuyPrefix + productID }

// PaidCallback encodes the manual "I paid" button for an order.
func PaidCallback(orderID string) string { return cbPaidPrefix + orderID }

// CancelCallback encodes the cancel button for an order.
func CancelCallback(orderID string) string { return cbCancelPrefix + orderID }

// FeeCallback encodes the button that starts payment of one mandatory fee.
func FeeCallback(feeID, orderID string) (string, error) {
	fee, err := encodeID(feeID)
	if err != nil {
		return "", err
	}
	order, err := encodeID(orderID)
	if err != nil {
		return "", err
	}
	return cbFeePrefix + fee + ":" + order, nil
}

// FeePaidCallback encodes the "I paid the fee" button for a fee order.
func FeePaidCallback(feeOrderID string) (string, error) {
	id, err := encodeID(feeOrderID)
	if err != nil {
		return "", err
	}
	return cbFeePaidPrefix + id, nil
}

// ParseCallback decodes callback_data into an action and its ids.
func ParseCallback(data string) (*Callback, error) {
	switch {
	case strings.HasPrefix(data, cbBuyPrefix):
		return &Callback{Action: ActionBuy, ProductID: strings.TrimPrefix(data, cbBuyPrefix)}, nil
	case strings.HasPrefix(data, cbPaidPrefix):
		return &Callback{Action: ActionPaid, OrderID: strings.TrimPrefix(data, cbPaidPrefix)}, nil
	case strings.HasPrefix(data, cbCancelPrefix):
		return &Callback{Action: ActionCancel, OrderID: strings.TrimPrefix(data, cbCancelPrefix)}, nil
	case strings.HasPrefix(data, cbFeePrefix):
		parts := strings.Split(strings.TrimPrefix(data, cbFeePrefix), ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed fee callback %q", data)
		}
		feeID, err := decodeID(parts[0])
		if err != nil {
			return nil, err
		}
		orderID, err := decodeID(parts[1])
		if err != nil {
			return nil, err
		}
		return &Callback{Action: ActionFee, FeeID: feeID, OrderID: orderID}, nil
	case strings.HasPrefix(data, cbFeePaidPrefix):
		id, err := decodeID(strings.TrimPrefix(data, cbFeePaidPrefix))
		if err != nil {
			return nil, err
		}
		return &Callback{Action: ActionFeePaid, FeeOrderID: id}, nil
	default:
		return nil, fmt.Errorf("unknown callback %q", data)
	}
}

func encodeID(id string) (string, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("encode callback id %q: %w", id, err)
	}
	return base64.RawURLEncoding.EncodeToString(parsed[:]), nil
}

func decodeID(encoded string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode callback id %q: %w", encoded, err)
	}
	parsed, err := uuid.FromBytes(raw)
	if err != nil {
		return "", fmt.Errorf("decode callback id %q: %w", encoded, err)
	}
	return parsed.String(), nil
}
