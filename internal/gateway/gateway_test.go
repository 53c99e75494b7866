package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"conversy/internal/metrics"
)

func testDeps() (*slog.Logger, *metrics.Metrics) {
	return slog.Default(), metrics.Registry("test")
}

func TestStatusMappingAcrossGateways(t *testing.T) {
	logger, m := testDeps()
	httpClient := &http.Client{Timeout: time.Second}
	fastsoft := NewFastSoft("", httpClient, logger, m)
	duttyfy := NewDuttyFy("", httpClient, logger, m)
	mock := NewMock()

	cases := []struct {
		gw     Gateway
		status string
		want   Signal
	}{
		{fastsoft, "paid", SignalPaid},
		{fastsoft, "APPROVED", SignalPaid},
		{fastsoft, "refunded", SignalRefunded},
		{fastsoft, "chargedback", SignalRefunded},
		{fastsoft, "waiting_payment", SignalIgnore},
		{fastsoft, "", SignalIgnore},
		{duttyfy, "COMPLETED", SignalPaid},
		{duttyfy, "completed", SignalPaid},
		{duttyfy, "REFUNDED", SignalRefunded},
		{duttyfy, "PENDING", SignalIgnore},
		{mock, "paid", SignalPaid},
		{mock, "refunded", SignalRefunded},
		{mock, "something_else", SignalIgnore},
	}
	for _, tc := range cases {
		if got := tc.gw.MapWebhookStatus(tc.status); got != tc.want {
			t.Errorf("%s: status %q mapped to %v, want %v", tc.gw.Name(), tc.status, got, tc.want)
		}
	}

	// A completed DuttyFy payment and a paid FastSoft payment must drive the
	// exact same engine transition.
	if fastsoft.MapWebhookStatus("paid") != duttyfy.MapWebhookStatus("COMPLETED") {
		t.Fatal("paid signals diverge across gateways")
	}
}

func TestMockPixIsDeterministic(t *testing.T) {
	mock := NewMock()
	req := PixRequest{Ref: "order-1", AmountCents: 4750, Description: "Ebook"}

	first, err := mock.GeneratePix(context.Background(), req)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	second, err := mock.GeneratePix(context.Background(), req)
	if err != nil {
		t.Fatalf("generate again: %v", err)
	}

	if !first.Mock {
		t.Fatal("mock charges must be flagged")
	}
	if first.PaymentID != "mock_order-1" {
		t.Fatalf("unexpected payment id %s", first.PaymentID)
	}
	if first.Code != second.Code || first.PaymentID != second.PaymentID {
		t.Fatal("same reference must produce the same charge")
	}

	other, err := mock.GeneratePix(context.Background(), PixRequest{Ref: "order-2", AmountCents: 4750})
	if err != nil {
		t.Fatalf("generate other: %v", err)
	}
	if other.Code == first.Code {
		t.Fatal("different references must produce different codes")
	}
}

func TestParseWebhookShapes(t *testing.T) {
	logger, m := testDeps()
	httpClient := &http.Client{Timeout: time.Second}

	fastsoft := NewFastSoft("", httpClient, logger, m)
	evt, err := fastsoft.ParseWebhook([]byte(`{"type":"transaction","data":{"id":"tx_1","status":"paid"}}`))
	if err != nil {
		t.Fatalf("fastsoft parse: %v", err)
	}
	if evt.PaymentID != "tx_1" || evt.Status != "paid" {
		t.Fatalf("fastsoft parse: got %+v", evt)
	}

	duttyfy := NewDuttyFy("", httpClient, logger, m)
	evt, err = duttyfy.ParseWebhook([]byte(`{"paymentId":"pay_1","status":"COMPLETED"}`))
	if err != nil {
		t.Fatalf("duttyfy parse: %v", err)
	}
	if evt.PaymentID != "pay_1" || evt.Status != "COMPLETED" {
		t.Fatalf("duttyfy parse: got %+v", evt)
	}

	if _, err := fastsoft.ParseWebhook([]byte("not json")); err == nil {
		t.Fatal("expected error for malformed body")
	}
}
