package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hunterfi/factory/pkg/logger"
	service "github.com/hunterfi/factory/system/framework/core"
)

const (
	defaultHTTPClientTimeout = 15 * time.Second
	defaultHTTPBodyLimit     = int64(1 << 20) // 1 MiB
)

// HTTPComputeClient implements ComputeClient against a compute-provisioning
// backend reachable over plain HTTP, the Go-idiomatic stand-in for the
// reference factory's same-subnet inter-canister calls to the compute
// management canister (deployment.rs's create_canister/install_code/call_init).
type HTTPComputeClient struct {
	baseURL string
	client  *http.Client
	log     *logger.Logger
}

// NewHTTPComputeClient constructs a compute client against baseURL. When
// client is nil a sensible default with a per-request timeout is used.
func NewHTTPComputeClient(baseURL string, client *http.Client, log *logger.Logger) *HTTPComputeClient {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPClientTimeout}
	}
	if log == nil {
		log = logger.NewDefault("external-compute-http")
	}
	return &HTTPComputeClient{baseURL: strings.TrimRight(baseURL, "/"), client: client, log: log}
}

func (c *HTTPComputeClient) CreateInstance(ctx context.Context) (string, error) {
	var out struct {
		InstanceID string `json:"instance_id"`
	}
	if err := c.call(ctx, http.MethodPost, "/instances", nil, &out); err != nil {
		return "", err
	}
	return out.InstanceID, nil
}

func (c *HTTPComputeClient) InstallCode(ctx context.Context, instanceID string, wasm []byte) error {
	body := struct {
		ModuleBytes []byte `json:"module_bytes"`
	}{ModuleBytes: wasm}
	return c.call(ctx, http.MethodPost, fmt.Sprintf("/instances/%s/code", instanceID), body, nil)
}

func (c *HTTPComputeClient) CallInit(ctx context.Context, instanceID, method, owner string, config []byte) error {
	body := struct {
		Method string `json:"method"`
		Owner  string `json:"owner"`
		Config []byte `json:"config"`
	}{Method: method, Owner: owner, Config: config}
	return c.call(ctx, http.MethodPost, fmt.Sprintf("/instances/%s/init", instanceID), body, nil)
}

func (c *HTTPComputeClient) call(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return service.NewExternalCallError("compute", "marshal request", false, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return service.NewExternalCallError("compute", "build request", false, err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return service.NewExternalCallError("compute", "execute request", true, err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, defaultHTTPBodyLimit)
	respBody, err := io.ReadAll(limited)
	if err != nil {
		return service.NewExternalCallError("compute", "read response", true, err)
	}

	c.log.WithField("path", path).WithField("status", resp.StatusCode).
		WithField("duration", time.Since(start)).Debug("compute client call completed")

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return service.NewExternalCallError("compute", path, true, fmt.Errorf("upstream status %d", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(respBody))
		if msg == "" {
			msg = fmt.Sprintf("upstream status %d", resp.StatusCode)
		}
		return service.NewExternalCallError("compute", path, false, fmt.Errorf("%s", msg))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return service.NewExternalCallError("compute", "decode response", false, err)
		}
	}
	return nil
}

// HTTPTokenLedgerClient implements TokenLedgerClient against an external
// token ledger's HTTP API, the stand-in for the reference factory's
// cross-canister ICRC-2 allowance/transfer_from calls (payment.rs).
type HTTPTokenLedgerClient struct {
	baseURL string
	client  *http.Client
	log     *logger.Logger
}

// NewHTTPTokenLedgerClient constructs a token ledger client against baseURL.
func NewHTTPTokenLedgerClient(baseURL string, client *http.Client, log *logger.Logger) *HTTPTokenLedgerClient {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPClientTimeout}
	}
	if log == nil {
		log = logger.NewDefault("external-tokenledger-http")
	}
	return &HTTPTokenLedgerClient{baseURL: strings.TrimRight(baseURL, "/"), client: client, log: log}
}

func (c *HTTPTokenLedgerClient) CheckAllowance(ctx context.Context, owner string, amountE8s uint64) (bool, error) {
	var out struct {
		Sufficient bool `json:"sufficient"`
	}
	path := fmt.Sprintf("/allowance?owner=%s&amount_e8s=%d", owner, amountE8s)
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return false, err
	}
	return out.Sufficient, nil
}

func (c *HTTPTokenLedgerClient) TransferIn(ctx context.Context, owner string, amountE8s uint64) error {
	body := struct {
		Owner     string `json:"owner"`
		AmountE8s uint64 `json:"amount_e8s"`
	}{Owner: owner, AmountE8s: amountE8s}
	return c.call(ctx, http.MethodPost, "/transfer-in", body, nil)
}

func (c *HTTPTokenLedgerClient) TransferOut(ctx context.Context, recipient string, amountE8s uint64) error {
	body := struct {
		Recipient string `json:"recipient"`
		AmountE8s uint64 `json:"amount_e8s"`
	}{Recipient: recipient, AmountE8s: amountE8s}
	return c.call(ctx, http.MethodPost, "/transfer-out", body, nil)
}

func (c *HTTPTokenLedgerClient) call(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return service.NewExternalCallError("token_ledger", "marshal request", false, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return service.NewExternalCallError("token_ledger", "build request", false, err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return service.NewExternalCallError("token_ledger", "execute request", true, err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, defaultHTTPBodyLimit)
	respBody, err := io.ReadAll(limited)
	if err != nil {
		return service.NewExternalCallError("token_ledger", "read response", true, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return service.NewExternalCallError("token_ledger", path, true, fmt.Errorf("upstream status %d", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(respBody))
		if msg == "" {
			msg = fmt.Sprintf("upstream status %d", resp.StatusCode)
		}
		return service.NewExternalCallError("token_ledger", path, false, fmt.Errorf("%s", msg))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return service.NewExternalCallError("token_ledger", "decode response", false, err)
		}
	}
	return nil
}
