// Package payment talks to the payment gateway: synchronous payment lookups
// for minting and signature checks for asynchronous webhook notifications.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

var (
	ErrGatewayUnreachable = errors.New("payment gateway unreachable")
	ErrNotCaptured        = errors.New("payment not captured")
	ErrAmountTooLow       = errors.New("paid amount below expected price")
)

// statusCaptured is the gateway's terminal "money received" state; anything
// else (created, authorized, failed, refunded) does not back a token.
const statusCaptured = "captured"

type GatewayClient struct {
	baseURL   string
	keyID     string
	keySecret string
	testMode  bool
	httpc     *http.Client
	log       *zap.Logger
}

type GatewayOptions struct {
	BaseURL   string
	KeyID     string
	KeySecret string
	// TestMode skips the gateway entirely and treats every reference as
	// captured. Never enable outside non-production contexts.
	TestMode bool
	Timeout  time.Duration
}

func NewGatewayClient(opts GatewayOptions, log *zap.Logger) *GatewayClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &GatewayClient{
		baseURL:   opts.BaseURL,
		keyID:     opts.KeyID,
		keySecret: opts.KeySecret,
		testMode:  opts.TestMode,
		httpc:     &http.Client{Timeout: opts.Timeout},
		log:       log.Named("gateway"),
	}
}

type gatewayPayment struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Verify confirms that ref is a captured payment of at least expectedAmount
// minor units in the given currency. It mutates nothing; minting happens only
// after it returns nil.
func (c *GatewayClient) Verify(ctx context.Context, ref string, expectedAmount int64, currency string) error {
	if c.testMode {
		c.log.Warn("payment verification bypassed (test mode)", zap.String("ref", ref))
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/payments/"+ref, nil)
	if err != nil {
		return fmt.Errorf("build gateway request: %w", err)
	}
	req.SetBasicAuth(c.keyID, c.keySecret)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: payment %s not found", ErrNotCaptured, ref)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: gateway returned %d", ErrGatewayUnreachable, resp.StatusCode)
	}

	var p gatewayPayment
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrGatewayUnreachable, err)
	}

	if p.Status != statusCaptured {
		return fmt.Errorf("%w: status=%s", ErrNotCaptured, p.Status)
	}
	if p.Currency != currency {
		return fmt.Errorf("%w: paid %s, expected %s", ErrAmountTooLow, p.Currency, currency)
	}
	if p.Amount < expectedAmount {
		return fmt.Errorf("%w: paid %d, expected %d", ErrAmountTooLow, p.Amount, expectedAmount)
	}
	return nil
}
