// Package gateway wraps the payment gateway's two operations the settlement
// core depends on: creating a hosted-checkout charge and independently
// verifying a transaction by id.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"
)

var (
	ErrInitiationFailed   = errors.New("payment initiation failed")
	ErrVerificationFailed = errors.New("payment verification failed")
)

type InitiateParams struct {
	TxRef         string
	Amount        int64 // minor currency units
	Currency      string
	CustomerEmail string
	CustomerName  string
	RedirectURL   string
	Description   string
}

type VerifyResult struct {
	Status string // "successful" on a settled charge
	Amount int64  // minor currency units
	Fee    int64  // gateway's own fee
}

type Client struct {
	baseURL string
	secret  string
	http    *http.Client
}

func NewClient(baseURL, secretKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		secret:  secretKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// Wire shapes follow the Flutterwave v3 envelope: every response carries a
// status/message pair around the data payload.

type initiateRequest struct {
	TxRef       string `json:"tx_ref"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	RedirectURL string `json:"redirect_url"`
	Customer    struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"customer"`
	Customizations struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"customizations"`
}

type initiateResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Link string `json:"link"`
	} `json:"data"`
}

type verifyResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Status string  `json:"status"`
		Amount float64 `json:"amount"`
		AppFee float64 `json:"app_fee"`
	} `json:"data"`
}

// Initiate creates a charge and returns the hosted-checkout redirect link.
func (c *Client) Initiate(ctx context.Context, p InitiateParams) (string, error) {
	reqBody := initiateRequest{
		TxRef:       p.TxRef,
		Amount:      p.Amount,
		Currency:    p.Currency,
		RedirectURL: p.RedirectURL,
	}
	reqBody.Customer.Email = p.CustomerEmail
	reqBody.Customer.Name = p.CustomerName
	reqBody.Customizations.Title = "HealthMe Appointment Fee"
	reqBody.Customizations.Description = p.Description

	var resp initiateResponse
	if err := c.do(ctx, http.MethodPost, "/payments", reqBody, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInitiationFailed, err)
	}
	if resp.Status != "success" {
		return "", fmt.Errorf("%w: gateway said %q", ErrInitiationFailed, resp.Message)
	}

	return resp.Data.Link, nil
}

// Verify re-reads the transaction from the gateway. Callers must trust this
// result over anything carried in a webhook body.
func (c *Client) Verify(ctx context.Context, gatewayTxID string) (VerifyResult, error) {
	var resp verifyResponse
	path := fmt.Sprintf("/transactions/%s/verify", gatewayTxID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return VerifyResult{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	if resp.Status != "success" {
		return VerifyResult{}, fmt.Errorf("%w: gateway said %q", ErrVerificationFailed, resp.Message)
	}

	return VerifyResult{
		Status: resp.Data.Status,
		Amount: int64(math.Round(resp.Data.Amount)),
		Fee:    int64(math.Round(resp.Data.AppFee)),
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gateway returned HTTP %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}

	return nil
}
