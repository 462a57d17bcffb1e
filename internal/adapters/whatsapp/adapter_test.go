package whatsapp

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/rs/zerolog"

	common "github.com/example/delivery-engine/internal/adapters/common"
	"github.com/example/delivery-engine/internal/models"
	waprovider "github.com/example/delivery-engine/internal/providers/whatsapp"
)

type stubProvider struct {
	payload *waprovider.Payload
	raw     *waprovider.RawResponse
	err     error
}

func (p *stubProvider) Send(_ context.Context, payload *waprovider.Payload) (*waprovider.RawResponse, error) {
	p.payload = payload
	return p.raw, p.err
}

func newItem() *models.QueueItem {
	return &models.QueueItem{
		ID:          "item-1",
		Channel:     models.ChannelWhatsApp,
		Destination: "+15551230000",
		Body:        "Your order 42 has shipped.",
		BodyType:    models.BodyTypeText,
		Entity:      &models.EntityRef{Type: "order", ID: "42"},
	}
}

func TestSendBuildsPayloadWithMeta(t *testing.T) {
	provider := &stubProvider{raw: &waprovider.RawResponse{ID: "wa-1", Status: "queued"}}
	adapter, err := NewAdapter(provider, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	resp, err := adapter.Send(context.Background(), newItem())
	if err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	if resp.ProviderID() != "wa-1" {
		t.Fatalf("expected provider message id, got %+v", resp)
	}
	if provider.payload.Meta["queue_item_id"] != "item-1" || provider.payload.Meta["entity_id"] != "42" {
		t.Fatalf("unexpected payload meta: %+v", provider.payload.Meta)
	}
}

func TestSendClassifiesGatewayErrorCodes(t *testing.T) {
	cases := []struct {
		code      int
		transient bool
	}{
		{21610, false},
		{21612, false},
		{21614, false},
		{21211, false},
		{63018, true},
		{63016, true},
		{30001, true},
		{30003, true},
	}

	for _, tc := range cases {
		provider := &stubProvider{
			raw: &waprovider.RawResponse{Code: 400, Body: `{"code": ` + strconv.Itoa(tc.code) + `, "message": "gateway error"}`},
			err: errors.New("gateway error"),
		}
		adapter, _ := NewAdapter(provider, zerolog.Nop())

		_, err := adapter.Send(context.Background(), newItem())
		if tc.transient && !errors.Is(err, common.ErrTransient) {
			t.Fatalf("code %d: expected transient, got %v", tc.code, err)
		}
		if !tc.transient && !errors.Is(err, common.ErrPermanent) {
			t.Fatalf("code %d: expected permanent, got %v", tc.code, err)
		}
	}
}

func TestSendClassifiesHTTPStatus(t *testing.T) {
	cases := []struct {
		httpCode  int
		transient bool
	}{
		{429, true},
		{500, true},
		{503, true},
		{400, false},
		{404, false},
	}

	for _, tc := range cases {
		provider := &stubProvider{
			raw: &waprovider.RawResponse{Code: tc.httpCode},
			err: errors.New("gateway request rejected"),
		}
		adapter, _ := NewAdapter(provider, zerolog.Nop())

		resp, err := adapter.Send(context.Background(), newItem())
		if tc.transient {
			if !errors.Is(err, common.ErrTransient) {
				t.Fatalf("http %d: expected transient, got %v", tc.httpCode, err)
			}
			if resp.Status != "rate_limited" {
				t.Fatalf("http %d: expected rate_limited status, got %q", tc.httpCode, resp.Status)
			}
		} else {
			if !errors.Is(err, common.ErrPermanent) {
				t.Fatalf("http %d: expected permanent, got %v", tc.httpCode, err)
			}
			if resp.Status != "rejected" {
				t.Fatalf("http %d: expected rejected status, got %q", tc.httpCode, resp.Status)
			}
		}
	}
}

func TestSendTimeoutWithoutResponseIsTransient(t *testing.T) {
	provider := &stubProvider{err: errors.New("request timeout")}
	adapter, _ := NewAdapter(provider, zerolog.Nop())

	if _, err := adapter.Send(context.Background(), newItem()); !errors.Is(err, common.ErrTransient) {
		t.Fatalf("expected transient for timeout, got %v", err)
	}
}

func TestSendRejectsWrongChannel(t *testing.T) {
	adapter, _ := NewAdapter(&stubProvider{}, zerolog.Nop())

	item := newItem()
	item.Channel = models.ChannelEmail
	if _, err := adapter.Send(context.Background(), item); !errors.Is(err, common.ErrPermanent) {
		t.Fatalf("expected permanent for wrong channel, got %v", err)
	}
}
