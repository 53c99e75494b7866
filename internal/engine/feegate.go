package engine

import (
	"context"
	"errors"
	"fmt"

	"conversy/internal/money"
	"conversy/internal/repo"
	"conversy/internal/tg"
)

// pendingFees returns the product's active fees not yet paid on this order,
// in display order.
func (e *Engine) pendingFees(ctx context.Context, order *repo.Order, product *repo.Product) ([]repo.ProductFee, error) {
	fees, err := e.repo.ListActiveFees(ctx, product.ID)
	if err != nil {
		return nil, fmt.Errorf("list fees: %w", err)
	}

	paid := make(map[string]bool, len(order.FeesPaid))
	for _, id := range order.FeesPaid {
		paid[id] = true
	}

	pending := fees[:0]
	for _, fee := range fees {
		if !paid[fee.ID] {
			pending = append(pending, fee)
		}
	}
	return pending, nil
}

// promptFee tells the customer the next mandatory fee is due and offers a
// button that generates its PIX charge.
func (e *Engine) promptFee(ctx context.Context, client *repo.Client, chatID int64, order *repo.Order, fee *repo.ProductFee) error {
	text := fmt.Sprintf(msgFeeDue, fee.Name, money.FormatBRL(fee.AmountCents))
	if fee.PaymentMessage != nil && *fee.PaymentMessage != "" {
		text = *fee.PaymentMessage
	}

	button := msgFeeButtonDefault
	if fee.ButtonText != nil && *fee.ButtonText != "" {
		button = *fee.ButtonText
	}

	data, err := tg.FeeCallback(fee.ID, order.ID)
	if err != nil {
		return fmt.Errorf("encode fee callback: %w", err)
	}

	_, err = e.tg.SendMessage(ctx, client.BotToken, tg.SendMessageParams{
		ChatID: chatID,
		Text:   text,
		ReplyMarkup: &tg.InlineKeyboardMarkup{
			InlineKeyboard: [][]tg.InlineKeyboardButton{
				{{Text: button, CallbackData: data}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("send fee prompt: %w", err)
	}
	return nil
}

// handleFeeRequest creates the fee order and its PIX charge when the
// customer presses the fee button.
func (e *Engine) handleFeeRequest(ctx context.Context, client *repo.Client, customer *repo.Customer, chatID int64, feeID, parentOrderID string) error {
	fee, err := e.repo.GetFee(ctx, feeID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return e.sendText(ctx, client, chatID, msgFeeUnavailable)
		}
		return fmt.Errorf("load fee: %w", err)
	}

	parent, err := e.repo.GetOrder(ctx, parentOrderID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return e.sendText(ctx, client, chatID, msgOrderNotFound)
		}
		return fmt.Errorf("load parent order: %w", err)
	}
	if parent.ClientID != client.ID {
		return e.sendText(ctx, client, chatID, msgOrderNotFound)
	}
	for _, paidID := range parent.FeesPaid {
		if paidID == fee.ID {
			return e.sendText(ctx, client, chatID, msgFeeAlreadyPaid)
		}
	}

	fid := fee.ID
	pidRef := parent.ID
	feeOrder, err := e.repo.InsertOrder(ctx, repo.Order{
		ClientID:      client.ID,
		CustomerID:    parent.CustomerID,
		ParentOrderID: &pidRef,
		FeeID:         &fid,
		AmountCents:   fee.AmountCents,
		Status:        repo.OrderPending,
		PaymentMethod: "pix",
	})
	if err != nil {
		return fmt.Errorf("insert fee order: %w", err)
	}

	charge, err := e.generatePix(ctx, client, feeOrder.ID, fee.AmountCents, fee.Name, customer)
	if err != nil {
		return err
	}
	if err := e.repo.SetOrderPayment(ctx, feeOrder.ID, charge.PaymentID, charge.Code, charge.QRCode); err != nil {
		return fmt.Errorf("store fee payment: %w", err)
	}

	paidData, err := tg.FeePaidCallback(feeOrder.ID)
	if err != nil {
		return fmt.Errorf("encode feepaid callback: %w", err)
	}

	text := fmt.Sprintf(msgFeePix, fee.Name, money.FormatBRL(fee.AmountCents), charge.Code)
	_, err = e.tg.SendMessage(ctx, client.BotToken, tg.SendMessageParams{
		ChatID: chatID,
		Text:   text,
		ReplyMarkup: &tg.InlineKeyboardMarkup{
			InlineKeyboard: [][]tg.InlineKeyboardButton{
				{{Text: msgFeePaidButton, CallbackData: paidData}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("send fee pix: %w", err)
	}
	return nil
}

func (e *Engine) handleFeePaid(ctx context.Context, client *repo.Client, chatID int64, callbackID, feeOrderID string) error {
	feeOrder, err := e.repo.GetOrder(ctx, feeOrderID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			e.answerCallback(ctx, client, callbackID, msgOrderNotFound)
			return nil
		}
		return fmt.Errorf("load fee order: %w", err)
	}
	if feeOrder.ClientID != client.ID || !feeOrder.IsFeeOrder() {
		e.answerCallback(ctx, client, callbackID, msgOrderNotFound)
		return nil
	}

	e.answerCallback(ctx, client, callbackID, msgCheckingPayment)
	return e.ConfirmPaid(ctx, client, feeOrder, "manual")
}

// onFeeOrderPaid records the fee on the parent order and advances the gate:
// next fee if any remain, delivery otherwise. Fee orders never touch the
// platform ledger.
func (e *Engine) onFeeOrderPaid(ctx context.Context, client *repo.Client, feeOrder *repo.Order) error {
	if feeOrder.FeeID == nil || feeOrder.ParentOrderID == nil {
		return fmt.Errorf("fee order %s missing fee linkage", feeOrder.ID)
	}

	if err := e.repo.AddFeePaid(ctx, *feeOrder.ParentOrderID, *feeOrder.FeeID); err != nil {
		return fmt.Errorf("record fee paid: %w", err)
	}

	parent, err := e.repo.GetOrder(ctx, *feeOrder.ParentOrderID)
	if err != nil {
		return fmt.Errorf("load parent order: %w", err)
	}
	customer, err := e.repo.GetCustomer(ctx, parent.CustomerID)
	if err != nil {
		return fmt.Errorf("load customer: %w", err)
	}
	product, err := e.repo.GetProduct(ctx, *parent.ProductID)
	if err != nil {
		return fmt.Errorf("load product: %w", err)
	}

	return e.advanceAfterPayment(ctx, client, customer, parent, product)
}
