package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	paymentdomain "github.com/adforge/adforge/internal/payment/domain"
)

type Adapter struct {
	webhookSecret string
}

func NewAdapter(webhookSecret string) (*Adapter, error) {
	secret := strings.TrimSpace(webhookSecret)
	if secret == "" {
		return nil, errors.New("stripe webhook secret is required")
	}
	return &Adapter{webhookSecret: secret}, nil
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return paymentdomain.ErrInvalidSignature
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "checkout.session.completed":
		return a.parseCheckoutSession(event, payload)
	case "invoice.paid":
		return a.parseInvoice(event, payload)
	case "customer.subscription.updated":
		return a.parseSubscription(event, payload, paymentdomain.EventTypeSubscriptionUpdated)
	case "customer.subscription.deleted":
		return a.parseSubscription(event, payload, paymentdomain.EventTypeSubscriptionDeleted)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCheckoutSession struct {
	ID                string         `json:"id"`
	Mode              string         `json:"mode"`
	ClientReferenceID string         `json:"client_reference_id"`
	Customer          string         `json:"customer"`
	Subscription      string         `json:"subscription"`
	Created           int64          `json:"created"`
	Metadata          map[string]any `json:"metadata"`
}

type stripeInvoice struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	PeriodStart  int64  `json:"period_start"`
	Created      int64  `json:"created"`
	Lines        struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
			Period struct {
				Start int64 `json:"start"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

type stripeSubscription struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CancelAt           int64  `json:"cancel_at"`
	CanceledAt         int64  `json:"canceled_at"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	Created            int64  `json:"created"`
	Items              struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func (a *Adapter) parseCheckoutSession(event stripeEvent, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var session stripeCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(session.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	userID := readMetadataValue(session.Metadata, "user_id")
	if userID == "" {
		userID = strings.TrimSpace(session.ClientReferenceID)
	}
	if userID == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	occurredAt := timestamp(session.Created, event.Created)
	switch strings.TrimSpace(session.Mode) {
	case "payment":
		sku := readMetadataValue(session.Metadata, "sku")
		tokens, err := strconv.ParseInt(readMetadataValue(session.Metadata, "tokens"), 10, 64)
		if err != nil || tokens <= 0 || sku == "" {
			return nil, paymentdomain.ErrInvalidEvent
		}
		return &paymentdomain.PaymentEvent{
			Provider:          "stripe",
			ProviderEventID:   event.ID,
			Type:              paymentdomain.EventTypeCheckoutTopup,
			UserID:            userID,
			CheckoutSessionID: session.ID,
			SKU:               sku,
			Tokens:            tokens,
			OccurredAt:        occurredAt,
			RawPayload:        payload,
		}, nil
	case "subscription":
		if strings.TrimSpace(session.Subscription) == "" {
			return nil, paymentdomain.ErrInvalidEvent
		}
		return &paymentdomain.PaymentEvent{
			Provider:          "stripe",
			ProviderEventID:   event.ID,
			Type:              paymentdomain.EventTypeCheckoutSubscription,
			UserID:            userID,
			CheckoutSessionID: session.ID,
			CustomerID:        strings.TrimSpace(session.Customer),
			SubscriptionID:    strings.TrimSpace(session.Subscription),
			PriceID:           readMetadataValue(session.Metadata, "price_id"),
			OccurredAt:        occurredAt,
			RawPayload:        payload,
		}, nil
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

func (a *Adapter) parseInvoice(event stripeEvent, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var invoice stripeInvoice
	if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(invoice.Customer) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	periodStart := invoice.PeriodStart
	priceID := ""
	if len(invoice.Lines.Data) > 0 {
		line := invoice.Lines.Data[0]
		priceID = strings.TrimSpace(line.Price.ID)
		if line.Period.Start > 0 {
			periodStart = line.Period.Start
		}
	}
	if periodStart == 0 {
		periodStart = event.Created
	}

	return &paymentdomain.PaymentEvent{
		Provider:        "stripe",
		ProviderEventID: event.ID,
		Type:            paymentdomain.EventTypeInvoicePaid,
		CustomerID:      strings.TrimSpace(invoice.Customer),
		SubscriptionID:  strings.TrimSpace(invoice.Subscription),
		PriceID:         priceID,
		PeriodStart:     time.Unix(periodStart, 0).UTC(),
		OccurredAt:      timestamp(invoice.Created, event.Created),
		RawPayload:      payload,
	}, nil
}

func (a *Adapter) parseSubscription(event stripeEvent, payload []byte, eventType string) (*paymentdomain.PaymentEvent, error) {
	var subscription stripeSubscription
	if err := json.Unmarshal(event.Data.Object, &subscription); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(subscription.ID) == "" || strings.TrimSpace(subscription.Customer) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	priceID := ""
	if len(subscription.Items.Data) > 0 {
		priceID = strings.TrimSpace(subscription.Items.Data[0].Price.ID)
	}

	var cancellation *time.Time
	cancelAt := subscription.CancelAt
	if eventType == paymentdomain.EventTypeSubscriptionDeleted && subscription.CanceledAt > 0 {
		cancelAt = subscription.CanceledAt
	}
	if cancelAt > 0 {
		at := time.Unix(cancelAt, 0).UTC()
		cancellation = &at
	}

	return &paymentdomain.PaymentEvent{
		Provider:         "stripe",
		ProviderEventID:  event.ID,
		Type:             eventType,
		CustomerID:       strings.TrimSpace(subscription.Customer),
		SubscriptionID:   strings.TrimSpace(subscription.ID),
		Status:           strings.TrimSpace(subscription.Status),
		PriceID:          priceID,
		PeriodStart:      time.Unix(subscription.CurrentPeriodStart, 0).UTC(),
		CancellationTime: cancellation,
		OccurredAt:       timestamp(subscription.Created, event.Created),
		RawPayload:       payload,
	}, nil
}

func parseStripeSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func readMetadataValue(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		if cast == 0 {
			return ""
		}
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	case int64:
		return strconv.FormatInt(cast, 10)
	case int:
		return strconv.Itoa(cast)
	}
	return ""
}
