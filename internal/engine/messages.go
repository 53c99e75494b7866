package engine

import (
	"context"
	"fmt"

	"conversy/internal/gateway"
	"conversy/internal/money"
	"conversy/internal/repo"
	"conversy/internal/tg"
)

// Customer-facing texts. Storefronts sell in Brazil, so copy is Portuguese.
const (
	msgCatalogueHeader    = "Escolha um produto:"
	msgCatalogueEmpty     = "Nenhum produto disponível no momento."
	msgProductUnavailable = "Este produto não está mais disponível."
	msgOrderNotFound      = "Pedido não encontrado."
	msgOrderCancelled     = "Pedido cancelado. Quando quiser, é só escolher o produto de novo."
	msgOrderRefunded      = "Seu pagamento foi estornado."
	msgCheckingPayment    = "Verificando pagamento..."
	msgAwaitingDelivery   = "Pagamento confirmado! Em breve você receberá seu produto."
	msgDeliveryHeader     = "Pagamento confirmado! Aqui está seu acesso a %s:"
	msgDeliveryFile       = "📎 Arquivo: %s"
	msgDeliveryInvite     = "👥 Entre no grupo (link válido por 5 minutos, uso único): %s"
	msgFeeDue             = "Para liberar seu acesso, falta pagar a taxa %s (%s)."
	msgFeeButtonDefault   = "Pagar taxa"
	msgFeeUnavailable     = "Esta taxa não está mais disponível."
	msgFeeAlreadyPaid     = "Essa taxa já foi paga."
	msgFeePix             = "Taxa %s (%s)\n\nPIX copia e cola:\n\n%s"
	msgFeePaidButton      = "Já paguei a taxa"
	msgPixInstructions    = "%s\nValor: %s\n\nPague com o PIX copia e cola abaixo:\n\n%s"
	msgPaidButton         = "✅ Já paguei"
	msgCancelButton       = "❌ Cancelar"
	msgBuyButton          = "Comprar %s"
)

func (e *Engine) sendText(ctx context.Context, client *repo.Client, chatID int64, text string) error {
	if _, err := e.tg.SendMessage(ctx, client.BotToken, tg.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	}); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (e *Engine) sendCatalogue(ctx context.Context, client *repo.Client, chatID int64) error {
	products, err := e.repo.ListActiveProducts(ctx, client.ID)
	if err != nil {
		return fmt.Errorf("list products: %w", err)
	}
	if len(products) == 0 {
		return e.sendText(ctx, client, chatID, msgCatalogueEmpty)
	}

	rows := make([][]tg.InlineKeyboardButton, 0, len(products))
	for i := range products {
		p := &products[i]
		label := fmt.Sprintf("%s · %s", p.Name, money.FormatBRL(p.PriceCents))
		rows = append(rows, []tg.InlineKeyboardButton{
			{Text: label, CallbackData: tg.BuyCallback(p.ID)},
		})
	}

	if _, err := e.tg.SendMessage(ctx, client.BotToken, tg.SendMessageParams{
		ChatID:      chatID,
		Text:        msgCatalogueHeader,
		ReplyMarkup: &tg.InlineKeyboardMarkup{InlineKeyboard: rows},
	}); err != nil {
		return fmt.Errorf("send catalogue: %w", err)
	}
	return nil
}

func (e *Engine) sendProductCard(ctx context.Context, client *repo.Client, chatID int64, product *repo.Product) error {
	text := fmt.Sprintf("%s\n%s", product.Name, money.FormatBRL(product.PriceCents))
	markup := &tg.InlineKeyboardMarkup{
		InlineKeyboard: [][]tg.InlineKeyboardButton{
			{{Text: fmt.Sprintf(msgBuyButton, product.Name), CallbackData: tg.BuyCallback(product.ID)}},
		},
	}
	if _, err := e.tg.SendMessage(ctx, client.BotToken, tg.SendMessageParams{
		ChatID:      chatID,
		Text:        text,
		ReplyMarkup: markup,
	}); err != nil {
		return fmt.Errorf("send product card: %w", err)
	}
	return nil
}

func (e *Engine) sendPixInstructions(ctx context.Context, client *repo.Client, chatID int64, orderID, productName string, amountCents int64, charge *gateway.PixCharge) error {
	text := fmt.Sprintf(msgPixInstructions, productName, money.FormatBRL(amountCents), charge.Code)
	markup := &tg.InlineKeyboardMarkup{
		InlineKeyboard: [][]tg.InlineKeyboardButton{
			{{Text: msgPaidButton, CallbackData: tg.PaidCallback(orderID)}},
			{{Text: msgCancelButton, CallbackData: tg.CancelCallback(orderID)}},
		},
	}
	if _, err := e.tg.SendMessage(ctx, client.BotToken, tg.SendMessageParams{
		ChatID:      chatID,
		Text:        text,
		ReplyMarkup: markup,
	}); err != nil {
		return fmt.Errorf("send pix instructions: %w", err)
	}
	return nil
}
