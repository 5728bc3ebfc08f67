package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"

	paymentdomain "github.com/adforge/adforge/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test"

func signedHeaders(payload []byte) http.Header {
	timestamp := "1735725600"
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(timestamp + "." + string(payload)))
	signature := hex.EncodeToString(mac.Sum(nil))

	headers := http.Header{}
	headers.Set("Stripe-Signature", fmt.Sprintf("t=%s,v1=%s", timestamp, signature))
	return headers
}

func TestVerify(t *testing.T) {
	adapter, err := NewAdapter(testSecret)
	require.NoError(t, err)
	payload := []byte(`{"id":"evt_1","type":"invoice.paid"}`)

	t.Run("valid signature", func(t *testing.T) {
		assert.NoError(t, adapter.Verify(context.Background(), payload, signedHeaders(payload)))
	})

	t.Run("missing header", func(t *testing.T) {
		err := adapter.Verify(context.Background(), payload, http.Header{})
		assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
	})

	t.Run("tampered payload", func(t *testing.T) {
		headers := signedHeaders(payload)
		err := adapter.Verify(context.Background(), []byte(`{"id":"evt_2"}`), headers)
		assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
	})

	t.Run("malformed header", func(t *testing.T) {
		headers := http.Header{}
		headers.Set("Stripe-Signature", "v1=deadbeef")
		err := adapter.Verify(context.Background(), payload, headers)
		assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
	})
}

func TestParseCheckoutSession(t *testing.T) {
	adapter, err := NewAdapter(testSecret)
	require.NoError(t, err)

	t.Run("payment mode becomes topup", func(t *testing.T) {
		payload := []byte(`{
			"id": "evt_1",
			"type": "checkout.session.completed",
			"created": 1735725600,
			"data": {"object": {
				"id": "cs_123",
				"mode": "payment",
				"client_reference_id": "user_1",
				"metadata": {"sku": "pack_500", "tokens": "500"}
			}}
		}`)

		event, err := adapter.Parse(context.Background(), payload)
		require.NoError(t, err)
		assert.Equal(t, paymentdomain.EventTypeCheckoutTopup, event.Type)
		assert.Equal(t, "user_1", event.UserID)
		assert.Equal(t, "cs_123", event.CheckoutSessionID)
		assert.Equal(t, "pack_500", event.SKU)
		assert.Equal(t, int64(500), event.Tokens)
	})

	t.Run("subscription mode becomes activation", func(t *testing.T) {
		payload := []byte(`{
			"id": "evt_2",
			"type": "checkout.session.completed",
			"data": {"object": {
				"id": "cs_456",
				"mode": "subscription",
				"customer": "cus_1",
				"subscription": "sub_1",
				"metadata": {"user_id": "user_1", "price_id": "price_pro"}
			}}
		}`)

		event, err := adapter.Parse(context.Background(), payload)
		require.NoError(t, err)
		assert.Equal(t, paymentdomain.EventTypeCheckoutSubscription, event.Type)
		assert.Equal(t, "user_1", event.UserID)
		assert.Equal(t, "cus_1", event.CustomerID)
		assert.Equal(t, "sub_1", event.SubscriptionID)
		assert.Equal(t, "price_pro", event.PriceID)
	})

	t.Run("topup without amount is invalid", func(t *testing.T) {
		payload := []byte(`{
			"id": "evt_3",
			"type": "checkout.session.completed",
			"data": {"object": {"id": "cs_789", "mode": "payment", "client_reference_id": "user_1"}}
		}`)

		_, err := adapter.Parse(context.Background(), payload)
		assert.ErrorIs(t, err, paymentdomain.ErrInvalidEvent)
	})

	t.Run("missing buyer is invalid", func(t *testing.T) {
		payload := []byte(`{
			"id": "evt_4",
			"type": "checkout.session.completed",
			"data": {"object": {"id": "cs_000", "mode": "payment"}}
		}`)

		_, err := adapter.Parse(context.Background(), payload)
		assert.ErrorIs(t, err, paymentdomain.ErrInvalidEvent)
	})
}

func TestParseInvoicePaid(t *testing.T) {
	adapter, err := NewAdapter(testSecret)
	require.NoError(t, err)

	payload := []byte(`{
		"id": "evt_5",
		"type": "invoice.paid",
		"created": 1738404000,
		"data": {"object": {
			"id": "in_1",
			"customer": "cus_1",
			"subscription": "sub_1",
			"period_start": 1738368000,
			"lines": {"data": [{"price": {"id": "price_pro"}, "period": {"start": 1738368000}}]}
		}}
	}`)

	event, err := adapter.Parse(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.EventTypeInvoicePaid, event.Type)
	assert.Equal(t, "cus_1", event.CustomerID)
	assert.Equal(t, "price_pro", event.PriceID)
	assert.Equal(t, "2025-02-01", event.PeriodStart.Format("2006-01-02"))
}

func TestParseSubscriptionEvents(t *testing.T) {
	adapter, err := NewAdapter(testSecret)
	require.NoError(t, err)

	t.Run("updated carries status and cancel_at", func(t *testing.T) {
		payload := []byte(`{
			"id": "evt_6",
			"type": "customer.subscription.updated",
			"data": {"object": {
				"id": "sub_1",
				"customer": "cus_1",
				"status": "active",
				"cancel_at": 1740873600,
				"items": {"data": [{"price": {"id": "price_pro"}}]}
			}}
		}`)

		event, err := adapter.Parse(context.Background(), payload)
		require.NoError(t, err)
		assert.Equal(t, paymentdomain.EventTypeSubscriptionUpdated, event.Type)
		assert.Equal(t, "active", event.Status)
		assert.Equal(t, "price_pro", event.PriceID)
		require.NotNil(t, event.CancellationTime)
		assert.Equal(t, int64(1740873600), event.CancellationTime.Unix())
	})

	t.Run("deleted uses canceled_at", func(t *testing.T) {
		payload := []byte(`{
			"id": "evt_7",
			"type": "customer.subscription.deleted",
			"data": {"object": {
				"id": "sub_1",
				"customer": "cus_1",
				"status": "canceled",
				"canceled_at": 1740873600
			}}
		}`)

		event, err := adapter.Parse(context.Background(), payload)
		require.NoError(t, err)
		assert.Equal(t, paymentdomain.EventTypeSubscriptionDeleted, event.Type)
		require.NotNil(t, event.CancellationTime)
	})
}

func TestParseIgnoresUnhandledTypes(t *testing.T) {
	adapter, err := NewAdapter(testSecret)
	require.NoError(t, err)

	_, err = adapter.Parse(context.Background(), []byte(`{"id":"evt_8","type":"payment_intent.created"}`))
	assert.ErrorIs(t, err, paymentdomain.ErrEventIgnored)

	_, err = adapter.Parse(context.Background(), []byte(`not json`))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)

	_, err = adapter.Parse(context.Background(), []byte(`{"type":"invoice.paid"}`))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidEvent)
}
