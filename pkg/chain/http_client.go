package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// HTTPClient talks to a chain gateway over its JSON API: POST /transactions
// submits a signed payload, GET /transactions/{hash} reports confirmation.
type HTTPClient struct {
	base   string
	client *http.Client
}

func NewHTTPClient(endpoint string) (*HTTPClient, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("chain: invalid endpoint %q: %w", endpoint, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("chain: endpoint %q must be an absolute URL", endpoint)
	}
	return &HTTPClient{
		base:   u.String(),
		client: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

type submitResponse struct {
	TxHash string `json:"tx_hash"`
}

type statusResponse struct {
	ScopeUUID      string `json:"scope_uuid"`
	LastEventGroup string `json:"last_event_group"`
	TxHash         string `json:"tx_hash"`
	BlockHeight    int64  `json:"block_height"`
	Confirmed      bool   `json:"confirmed"`
}

func (c *HTTPClient) Submit(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/transactions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chain: submit: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("chain: submit returned %d: %s", resp.StatusCode, body)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("chain: decode submit response: %w", err)
	}
	if out.TxHash == "" {
		return "", fmt.Errorf("chain: submit response missing tx hash")
	}
	return out.TxHash, nil
}

func (c *HTTPClient) Status(ctx context.Context, txHash string) (Confirmation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.base+"/transactions/"+url.PathEscape(txHash), nil)
	if err != nil {
		return Confirmation{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Confirmation{}, fmt.Errorf("chain: status: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		// Not yet visible to the gateway; treat as unconfirmed.
		return Confirmation{TxHash: txHash}, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Confirmation{}, fmt.Errorf("chain: status returned %d: %s", resp.StatusCode, body)
	}

	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Confirmation{}, fmt.Errorf("chain: decode status response: %w", err)
	}
	conf := Confirmation{
		TxHash:      out.TxHash,
		BlockHeight: out.BlockHeight,
		Confirmed:   out.Confirmed,
	}
	if out.ScopeUUID != "" {
		id, err := uuid.Parse(out.ScopeUUID)
		if err != nil {
			return Confirmation{}, fmt.Errorf("chain: bad scope uuid: %w", err)
		}
		conf.ScopeUUID = id
	}
	if out.LastEventGroup != "" {
		id, err := uuid.Parse(out.LastEventGroup)
		if err != nil {
			return Confirmation{}, fmt.Errorf("chain: bad event group uuid: %w", err)
		}
		conf.LastEventGroup = id
	}
	return conf, nil
}

var _ Client = (*HTTPClient)(nil)
