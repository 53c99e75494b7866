package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"conversy/internal/gateway"
	"conversy/internal/money"
	"conversy/internal/repo"
	"conversy/internal/tg"
)

func (e *Engine) handleBuy(ctx context.Context, client *repo.Client, customer *repo.Customer, chatID int64, productID string) error {
	product, err := e.repo.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return e.sendText(ctx, client, chatID, msgProductUnavailable)
		}
		return fmt.Errorf("load product: %w", err)
	}
	if !product.IsActive || product.ClientID != client.ID {
		return e.sendText(ctx, client, chatID, msgProductUnavailable)
	}

	pid := product.ID
	order, err := e.repo.InsertOrder(ctx, repo.Order{
		ClientID:      client.ID,
		CustomerID:    customer.ID,
		ProductID:     &pid,
		AmountCents:   product.PriceCents,
		Status:        repo.OrderPending,
		PaymentMethod: "pix",
	})
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	charge, err := e.generatePix(ctx, client, order.ID, product.PriceCents, product.Name, customer)
	if err != nil {
		return err
	}
	if err := e.repo.SetOrderPayment(ctx, order.ID, charge.PaymentID, charge.Code, charge.QRCode); err != nil {
		return fmt.Errorf("store payment: %w", err)
	}

	return e.sendPixInstructions(ctx, client, chatID, order.ID, product.Name, product.PriceCents, charge)
}

// generatePix creates a charge on the client's live gateway and falls back to
// the mock gateway when the live one fails, so the customer always gets a
// payable code.
func (e *Engine) generatePix(ctx context.Context, client *repo.Client, ref string, amountCents int64, description string, customer *repo.Customer) (*gateway.PixCharge, error) {
	req := gateway.PixRequest{
		Ref:          ref,
		AmountCents:  amountCents,
		Description:  description,
		CustomerName: customerName(customer),
		APIKey:       client.GatewayAPIKey,
		APISecret:    client.GatewaySecret,
	}

	gw := e.gateways.ForClient(client)
	charge, err := gw.GeneratePix(ctx, req)
	if err == nil {
		return charge, nil
	}
	if gw.Name() == gateway.GatewayMock {
		return nil, fmt.Errorf("generate pix: %w", err)
	}

	e.logger.Warn("live gateway failed, falling back to mock pix",
		"gateway", gw.Name(), "order_id", ref, "error", err)
	e.metrics.Errors.WithLabelValues("gateway_fallback").Inc()

	charge, err = e.gateways.Mock().GeneratePix(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("generate mock pix: %w", err)
	}
	return charge, nil
}

func (e *Engine) handleManualPaid(ctx context.Context, client *repo.Client, chatID int64, callbackID, orderID string) error {
	order, err := e.repo.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			e.answerCallback(ctx, client, callbackID, msgOrderNotFound)
			return nil
		}
		return fmt.Errorf("load order: %w", err)
	}
	if order.ClientID != client.ID {
		e.answerCallback(ctx, client, callbackID, msgOrderNotFound)
		return nil
	}

	e.answerCallback(ctx, client, callbackID, msgCheckingPayment)
	return e.ConfirmPaid(ctx, client, order, "manual")
}

func (e *Engine) handleCancel(ctx context.Context, client *repo.Client, chatID int64, orderID string) error {
	order, err := e.repo.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load order: %w", err)
	}
	if order.ClientID != client.ID {
		return nil
	}

	cancelled, err := e.repo.CancelOrder(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if !cancelled {
		return nil
	}
	e.metrics.OrderTransitions.WithLabelValues(repo.OrderCancelled).Inc()
	return e.sendText(ctx, client, chatID, msgOrderCancelled)
}

// ConfirmPaid transitions an order to paid exactly once and runs every
// post-payment effect. Concurrent webhook retries and manual confirmations
// race on the conditional update; only the winner proceeds.
func (e *Engine) ConfirmPaid(ctx context.Context, client *repo.Client, order *repo.Order, source string) error {
	claimed, err := e.repo.MarkOrderPaid(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("mark order paid: %w", err)
	}
	if !claimed {
		e.logger.Debug("order already paid, skipping", "order_id", order.ID, "source", source)
		return nil
	}
	e.metrics.OrderTransitions.WithLabelValues(repo.OrderPaid).Inc()
	e.logger.Info("order paid", "order_id", order.ID, "client_id", client.ID,
		"amount_cents", order.AmountCents, "source", source, "fee_order", order.IsFeeOrder())

	if order.IsFeeOrder() {
		return e.onFeeOrderPaid(ctx, client, order)
	}
	return e.onProductOrderPaid(ctx, client, order)
}

func (e *Engine) onProductOrderPaid(ctx context.Context, client *repo.Client, order *repo.Order) error {
	if _, err := e.billing.SettleOrderFee(ctx, client, order.ID); err != nil {
		// The platform fee must never block the customer flow; the unique
		// platform_fees index lets support replay it safely.
		e.logger.Error("failed settling platform fee", "error", err, "order_id", order.ID)
		e.metrics.Errors.WithLabelValues("billing").Inc()
	}

	customer, err := e.repo.GetCustomer(ctx, order.CustomerID)
	if err != nil {
		return fmt.Errorf("load customer: %w", err)
	}
	product, err := e.repo.GetProduct(ctx, *order.ProductID)
	if err != nil {
		return fmt.Errorf("load product: %w", err)
	}

	if e.tracker != nil {
		e.tracker.TrackPurchase(ctx, client, order, customer, product)
	}
	if e.notifier != nil {
		e.notifier.NotifySale(ctx, client.ID, "Venda aprovada",
			fmt.Sprintf("%s pagou %s por %s", customerName(customer), money.FormatBRL(order.AmountCents), product.Name))
	}

	return e.advanceAfterPayment(ctx, client, customer, order, product)
}

// advanceAfterPayment decides what happens after an order (or one of its
// fees) is settled: present the next mandatory fee, deliver, or wait for the
// merchant when auto delivery is off.
func (e *Engine) advanceAfterPayment(ctx context.Context, client *repo.Client, customer *repo.Customer, order *repo.Order, product *repo.Product) error {
	if product.RequireFeesBeforeDelivery {
		fees, err := e.pendingFees(ctx, order, product)
		if err != nil {
			return err
		}
		if len(fees) > 0 {
			return e.promptFee(ctx, client, customer.TelegramID, order, &fees[0])
		}
	}

	if !client.AutoDelivery {
		return e.sendText(ctx, client, customer.TelegramID, msgAwaitingDelivery)
	}
	return e.Deliver(ctx, client, customer, order, product)
}

// Deliver hands the product over. The file link and the group invite are
// independent attempts so a Telegram API failure on one does not lose the
// other.
func (e *Engine) Deliver(ctx context.Context, client *repo.Client, customer *repo.Customer, order *repo.Order, product *repo.Product) error {
	claimed, err := e.repo.MarkOrderDelivered(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("mark order delivered: %w", err)
	}
	if !claimed {
		return nil
	}
	e.metrics.OrderTransitions.WithLabelValues(repo.OrderDelivered).Inc()

	if err := e.repo.IncrementProductSales(ctx, product.ID); err != nil {
		e.logger.Warn("failed incrementing sales", "error", err, "product_id", product.ID)
	}

	parts := []string{fmt.Sprintf(msgDeliveryHeader, product.Name)}

	if product.FileURL != nil && *product.FileURL != "" {
		parts = append(parts, fmt.Sprintf(msgDeliveryFile, *product.FileURL))
	}

	if product.TelegramGroupID != nil {
		link, err := e.tg.CreateChatInviteLink(ctx, client.BotToken, tg.InviteLinkParams{
			ChatID:      *product.TelegramGroupID,
			ExpireDate:  time.Now().Add(e.cfg.InviteTTL).Unix(),
			MemberLimit: 1,
		})
		if err != nil {
			e.logger.Error("failed creating invite link", "error", err,
				"order_id", order.ID, "group_id", *product.TelegramGroupID)
			e.metrics.Errors.WithLabelValues("invite_link").Inc()
		} else {
			parts = append(parts, fmt.Sprintf(msgDeliveryInvite, link.InviteLink))
		}
	}

	e.logger.Info("order delivered", "order_id", order.ID, "product_id", product.ID)
	return e.sendText(ctx, client, customer.TelegramID, strings.Join(parts, "\n\n"))
}

// Refund marks a paid order refunded. The platform fee already charged is
// kept; refunds are between the merchant and the gateway.
func (e *Engine) Refund(ctx context.Context, client *repo.Client, order *repo.Order) error {
	refunded, err := e.repo.MarkOrderRefunded(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("mark order refunded: %w", err)
	}
	if !refunded {
		return nil
	}
	e.metrics.OrderTransitions.WithLabelValues(repo.OrderRefunded).Inc()
	e.logger.Info("order refunded", "order_id", order.ID, "client_id", client.ID)

	customer, err := e.repo.GetCustomer(ctx, order.CustomerID)
	if err != nil {
		return fmt.Errorf("load customer: %w", err)
	}
	return e.sendText(ctx, client, customer.TelegramID, msgOrderRefunded)
}

// ExpirePending cancels pending orders older than maxAge for every client.
// A zero maxAge disables the sweep.
func (e *Engine) ExpirePending(ctx context.Context, maxAge time.Duration) error {
	if maxAge <= 0 {
		return nil
	}
	clients, err := e.repo.ListReminderClients(ctx)
	if err != nil {
		return fmt.Errorf("list clients: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	for i := range clients {
		orders, err := e.repo.ListExpiredPending(ctx, clients[i].ID, cutoff)
		if err != nil {
			e.logger.Error("failed listing expired orders", "error", err, "client_id", clients[i].ID)
			continue
		}
		for j := range orders {
			cancelled, err := e.repo.CancelOrder(ctx, orders[j].ID)
			if err != nil {
				e.logger.Error("failed expiring order", "error", err, "order_id", orders[j].ID)
				continue
			}
			if cancelled {
				e.metrics.OrderTransitions.WithLabelValues(repo.OrderCancelled).Inc()
			}
		}
	}
	return nil
}

func customerName(c *repo.Customer) string {
	if c.FirstName != nil && *c.FirstName != "" {
		return *c.FirstName
	}
	if c.Username != nil && *c.Username != "" {
		return "@" + *c.Username
	}
	return "Cliente"
}
