// Package gateway integrates the external card-payment provider. It submits
// charges and challenge responses (PIN/OTP/phone) and, once the provider
// confirms funds were received, settles the payment into the ledger. The
// ledger core itself never talks to the provider.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/decoupledfin/walletcore/internal/service"
	"github.com/shopspring/decimal"
)

var ErrChargeFailed = errors.New("charge failed")

// Settler is the single call the gateway makes into the ledger core once a
// payment is confirmed settled.
type Settler interface {
	SettleCardPayment(ctx context.Context, accountID int64, amount decimal.Decimal, externalReference string) (*service.Receipt, error)
}

type Client struct {
	http      *http.Client
	baseURL   string
	secretKey string
	ledger    Settler
}

func NewClient(baseURL, secretKey string, ledger Settler) *Client {
	return &Client{
		http:      &http.Client{Timeout: 15 * time.Second},
		baseURL:   baseURL,
		secretKey: secretKey,
		ledger:    ledger,
	}
}

// Card is the provider-facing card payload.
type Card struct {
	Number      string `json:"number"`
	CVV         string `json:"cvv"`
	ExpiryMonth string `json:"expiry_month"`
	ExpiryYear  string `json:"expiry_year"`
}

type ChargeRequest struct {
	AccountID int64
	Amount    decimal.Decimal
	Email     string
	Card      Card
}

// ChargeResult reports where a charge attempt stands. Settled means the
// account was credited; otherwise NextStep names the challenge the provider
// requires ("send_pin", "send_otp", "send_phone") before funds move.
type ChargeResult struct {
	Reference string `json:"reference"`
	Settled   bool   `json:"settled"`
	NextStep  string `json:"next_step,omitempty"`
	Message   string `json:"message,omitempty"`
}

type providerResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Status    string `json:"status"`
		Reference string `json:"reference"`
		Message   string `json:"message"`
	} `json:"data"`
}

// ChargeCard submits a card charge. Charges the provider settles
// immediately are credited to the account before returning.
func (c *Client) ChargeCard(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	payload := map[string]interface{}{
		"card":   req.Card,
		"email":  req.Email,
		"amount": req.Amount,
	}
	var resp providerResponse
	if err := c.post(ctx, "/charge", payload, &resp); err != nil {
		return nil, err
	}
	return c.advance(ctx, req.AccountID, req.Amount, resp)
}

// SubmitPIN answers a send_pin challenge for a pending charge.
func (c *Client) SubmitPIN(ctx context.Context, accountID int64, amount decimal.Decimal, reference, pin string) (*ChargeResult, error) {
	var resp providerResponse
	if err := c.post(ctx, "/charge/submit_pin", map[string]string{
		"reference": reference, "pin": pin,
	}, &resp); err != nil {
		return nil, err
	}
	return c.advance(ctx, accountID, amount, resp)
}

// SubmitOTP answers a send_otp challenge for a pending charge.
func (c *Client) SubmitOTP(ctx context.Context, accountID int64, amount decimal.Decimal, reference, otp string) (*ChargeResult, error) {
	var resp providerResponse
	if err := c.post(ctx, "/charge/submit_otp", map[string]string{
		"reference": reference, "otp": otp,
	}, &resp); err != nil {
		return nil, err
	}
	return c.advance(ctx, accountID, amount, resp)
}

// SubmitPhone answers a send_phone challenge for a pending charge.
func (c *Client) SubmitPhone(ctx context.Context, accountID int64, amount decimal.Decimal, reference, phone string) (*ChargeResult, error) {
	var resp providerResponse
	if err := c.post(ctx, "/charge/submit_phone", map[string]string{
		"reference": reference, "phone": phone,
	}, &resp); err != nil {
		return nil, err
	}
	return c.advance(ctx, accountID, amount, resp)
}

// advance interprets the provider's charge status. "success" settles the
// payment into the ledger; "failed" surfaces the provider message; anything
// else is a pending challenge the caller must answer next.
func (c *Client) advance(ctx context.Context, accountID int64, amount decimal.Decimal, resp providerResponse) (*ChargeResult, error) {
	switch resp.Data.Status {
	case "failed":
		return nil, fmt.Errorf("%w: %s", ErrChargeFailed, resp.Data.Message)
	case "success":
		if _, err := c.ledger.SettleCardPayment(ctx, accountID, amount, resp.Data.Reference); err != nil {
			return nil, err
		}
		return &ChargeResult{
			Reference: resp.Data.Reference,
			Settled:   true,
			Message:   "charge successful",
		}, nil
	default:
		return &ChargeResult{
			Reference: resp.Data.Reference,
			NextStep:  resp.Data.Status,
			Message:   "further validation required",
		}, nil
	}
}

func (c *Client) post(ctx context.Context, path string, payload interface{}, out *providerResponse) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("provider response decode failed: %w", err)
	}
	return nil
}
