// Package paymentlink implements the stripe_function tool: it turns an
// agreed price into a hosted payment link.
package paymentlink

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/stripe/stripe-go/v84"
	"github.com/vango-go/vai-rtc/pkg/core"
	"github.com/vango-go/vai-rtc/pkg/rtc/protocol"
	"github.com/vango-go/vai-rtc/pkg/rtc/tools"
)

const (
	ToolName        = "stripe_function"
	DefaultCurrency = "usd"
	DefaultProduct  = "Marketplace listing"
)

var ErrNotConfigured = errors.New("payment links not configured")

// Definition is the declaration sent in session.update.
func Definition() protocol.ToolDefinition {
	return protocol.ToolDefinition{
		Type:        "function",
		Name:        ToolName,
		Description: "Generate a payment link for the item at the agreed price.",
		Parameters: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"price": {Type: "number", Description: "Agreed price in major currency units."},
			},
			Required: []string{"price"},
		},
	}
}

// LinkCreator creates a single-item payment link for amount minor units.
type LinkCreator interface {
	CreateLink(ctx context.Context, currency, productName string, amount int64) (string, error)
}

// Output is the tool result.
type Output struct {
	URL   string  `json:"url"`
	Price float64 `json:"price"`
}

// Tool is the stripe_function executor.
type Tool struct {
	Creator     LinkCreator
	Currency    string
	ProductName string
}

// New returns a Tool using the Stripe API with key. An empty key yields a
// tool that fails every call as not configured.
func New(key, currency string) *Tool {
	t := &Tool{Currency: currency}
	if strings.TrimSpace(key) != "" {
		t.Creator = &StripeCreator{Client: stripe.NewClient(key)}
	}
	return t
}

func (t *Tool) Definition() protocol.ToolDefinition { return Definition() }

func (t *Tool) Call(ctx context.Context, inv tools.Invocation) (any, error) {
	if t == nil || t.Creator == nil {
		return nil, &core.ToolExecutionError{Name: ToolName, CallID: inv.CallID, Reason: core.ReasonNotConfigured, Cause: ErrNotConfigured}
	}
	price, ok := inv.Arguments["price"].(float64)
	if !ok || math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return nil, &core.ToolExecutionError{Name: ToolName, CallID: inv.CallID, Reason: core.ReasonInvalidArguments, Cause: fmt.Errorf("price must be a positive number, got %v", inv.Arguments["price"])}
	}
	currency := strings.ToLower(strings.TrimSpace(t.Currency))
	if currency == "" {
		currency = DefaultCurrency
	}
	product := strings.TrimSpace(t.ProductName)
	if product == "" {
		product = DefaultProduct
	}

	url, err := t.Creator.CreateLink(ctx, currency, product, int64(math.Round(price*100)))
	if err != nil {
		return nil, err
	}
	return Output{URL: url, Price: price}, nil
}

// StripeCreator creates an ad-hoc Price and a Payment Link for it.
type StripeCreator struct {
	Client *stripe.Client
}

func (c *StripeCreator) CreateLink(ctx context.Context, currency, productName string, amount int64) (string, error) {
	price, err := c.Client.V1Prices.Create(ctx, &stripe.PriceCreateParams{
		Currency:   stripe.String(currency),
		UnitAmount: stripe.Int64(amount),
		ProductData: &stripe.PriceCreateProductDataParams{
			Name: stripe.String(productName),
		},
	})
	if err != nil {
		return "", fmt.Errorf("create price: %w", err)
	}
	link, err := c.Client.V1PaymentLinks.Create(ctx, &stripe.PaymentLinkCreateParams{
		LineItems: []*stripe.PaymentLinkCreateLineItemParams{{
			Price:    stripe.String(price.ID),
			Quantity: stripe.Int64(1),
		}},
	})
	if err != nil {
		return "", fmt.Errorf("create payment link: %w", err)
	}
	return link.URL, nil
}
