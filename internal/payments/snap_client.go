package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultHTTPTimeout = 10 * time.Second

// SnapLogger defines the logging contract for gateway operations.
type SnapLogger func(ctx context.Context, event string, fields map[string]any)

// SnapClientConfig configures the SnapClient.
type SnapClientConfig struct {
	// BaseURL is the core API root used for status and cancel calls, e.g.
	// https://api.gateway.example/v2.
	BaseURL string
	// SnapURL is the checkout API root used for transaction creation.
	SnapURL string
	// ServerKey authenticates requests via HTTP Basic auth (key as username,
	// empty password).
	ServerKey string
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
	Logger     SnapLogger
}

// SnapClient implements Client against a Snap-style payment gateway REST API.
type SnapClient struct {
	baseURL   string
	snapURL   string
	serverKey string
	http      *http.Client
	logger    SnapLogger
}

// NewSnapClient constructs a SnapClient from the given configuration.
func NewSnapClient(cfg SnapClientConfig) (*SnapClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("payments: base url is required")
	}
	snapURL := strings.TrimRight(strings.TrimSpace(cfg.SnapURL), "/")
	if snapURL == "" {
		return nil, errors.New("payments: snap url is required")
	}
	serverKey := strings.TrimSpace(cfg.ServerKey)
	if serverKey == "" {
		return nil, errors.New("payments: server key is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &SnapClient{
		baseURL:   baseURL,
		snapURL:   snapURL,
		serverKey: serverKey,
		http:      httpClient,
		logger:    logger,
	}, nil
}

type snapStatusResponse struct {
	TransactionStatus string   `json:"transaction_status"`
	StatusMessage     string   `json:"status_message"`
	ErrorMessages     []string `json:"error_messages"`
}

type snapCreateResponse struct {
	Token         string   `json:"token"`
	RedirectURL   string   `json:"redirect_url"`
	ErrorMessages []string `json:"error_messages"`
}

type snapTransactionDetails struct {
	OrderID     string `json:"order_id"`
	GrossAmount int64  `json:"gross_amount"`
}

type snapCustomerDetails struct {
	Email string `json:"email"`
}

type snapItemDetail struct {
	ID       string `json:"id"`
	Price    int64  `json:"price"`
	Quantity int64  `json:"quantity"`
	Name     string `json:"name"`
	Image    string `json:"image,omitempty"`
}

type snapCreateRequest struct {
	TransactionDetails snapTransactionDetails `json:"transaction_details"`
	CustomerDetails    snapCustomerDetails    `json:"customer_details"`
	ItemDetails        []snapItemDetail       `json:"item_details"`
}

// CheckStatus implements Client.
func (c *SnapClient) CheckStatus(ctx context.Context, externalRef string) (RawStatus, error) {
	ref := strings.TrimSpace(externalRef)
	if ref == "" {
		return "", &GatewayError{Op: "check_status", Err: errors.New("external ref is required")}
	}

	endpoint := fmt.Sprintf("%s/%s/status", c.baseURL, url.PathEscape(ref))
	var payload snapStatusResponse
	if err := c.do(ctx, "check_status", http.MethodGet, endpoint, nil, &payload); err != nil {
		return "", err
	}

	status := RawStatus(strings.ToLower(strings.TrimSpace(payload.TransactionStatus)))
	c.logger(ctx, "gateway.status.checked", map[string]any{
		"external_ref": ref,
		"raw_status":   string(status),
	})
	return status, nil
}

// CreateTransaction implements Client.
func (c *SnapClient) CreateTransaction(ctx context.Context, req CreateTransactionRequest) (Transaction, error) {
	ref := strings.TrimSpace(req.ExternalRef)
	if ref == "" {
		return Transaction{}, &GatewayError{Op: "create_transaction", Err: errors.New("external ref is required")}
	}
	if req.GrossAmount <= 0 {
		return Transaction{}, &GatewayError{Op: "create_transaction", Err: errors.New("gross amount must be positive")}
	}

	body := snapCreateRequest{
		TransactionDetails: snapTransactionDetails{
			OrderID:     ref,
			GrossAmount: req.GrossAmount,
		},
		CustomerDetails: snapCustomerDetails{
			Email: strings.TrimSpace(req.Email),
		},
		ItemDetails: make([]snapItemDetail, 0, len(req.Items)),
	}
	for _, item := range req.Items {
		qty := item.Quantity
		if qty <= 0 {
			qty = 1
		}
		body.ItemDetails = append(body.ItemDetails, snapItemDetail{
			ID:       item.ID,
			Price:    item.Price,
			Quantity: qty,
			Name:     item.Name,
			Image:    item.Image,
		})
	}

	endpoint := c.snapURL + "/transactions"
	var payload snapCreateResponse
	if err := c.do(ctx, "create_transaction", http.MethodPost, endpoint, body, &payload); err != nil {
		return Transaction{}, err
	}
	if strings.TrimSpace(payload.Token) == "" {
		return Transaction{}, &GatewayError{Op: "create_transaction", Messages: payload.ErrorMessages, Err: errors.New("gateway returned no checkout token")}
	}

	c.logger(ctx, "gateway.transaction.created", map[string]any{
		"external_ref": ref,
		"gross_amount": req.GrossAmount,
	})
	return Transaction{Token: payload.Token, RedirectURL: payload.RedirectURL}, nil
}

// CancelTransaction implements Client.
func (c *SnapClient) CancelTransaction(ctx context.Context, externalRef string) (RawStatus, error) {
	ref := strings.TrimSpace(externalRef)
	if ref == "" {
		return "", &GatewayError{Op: "cancel_transaction", Err: errors.New("external ref is required")}
	}

	endpoint := fmt.Sprintf("%s/%s/cancel", c.baseURL, url.PathEscape(ref))
	var payload snapStatusResponse
	if err := c.do(ctx, "cancel_transaction", http.MethodPost, endpoint, struct{}{}, &payload); err != nil {
		return "", err
	}

	status := RawStatus(strings.ToLower(strings.TrimSpace(payload.TransactionStatus)))
	c.logger(ctx, "gateway.transaction.cancelled", map[string]any{
		"external_ref": ref,
		"raw_status":   string(status),
	})
	return status, nil
}

func (c *SnapClient) do(ctx context.Context, op, method, endpoint string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return &GatewayError{Op: op, Err: fmt.Errorf("encode request: %w", err)}
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return &GatewayError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth(c.serverKey, "")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &GatewayError{Op: op, Err: fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &GatewayError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		gerr := &GatewayError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
		var failure struct {
			ErrorMessages []string `json:"error_messages"`
		}
		if json.Unmarshal(raw, &failure) == nil && len(failure.ErrorMessages) > 0 {
			gerr.Messages = failure.ErrorMessages
		}
		c.logger(ctx, "gateway.request.failed", map[string]any{
			"op":     op,
			"status": resp.StatusCode,
		})
		return gerr
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &GatewayError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}
