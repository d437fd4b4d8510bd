// Package chain implements the HTTP client for the UTXO chain indexer.
//
// The node sees WhatsOnChain-shaped endpoints: GET address/{addr}/unspent for
// output listings and POST tx/raw for broadcast. Reads retry with backoff
// behind a circuit breaker; broadcasts do not retry, because a timed-out
// broadcast may still have reached the mempool and a blind retry would just
// produce a confusing double-spend rejection.
package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentspay/agentspay/internal/circuitbreaker"
	"github.com/agentspay/agentspay/internal/metrics"
	"github.com/agentspay/agentspay/internal/retry"
	"github.com/agentspay/agentspay/internal/txbuilder"
	"github.com/agentspay/agentspay/internal/utxo"
)

var (
	ErrNodeUnavailable = errors.New("chain: node unavailable")
	ErrRejected        = errors.New("chain: transaction rejected by node")
)

const (
	requestTimeout = 10 * time.Second
	maxAttempts    = 3
	baseDelay      = 200 * time.Millisecond
)

// Client talks to the chain node. Implements utxo.ChainClient.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.Breaker
}

// NewClient creates a chain client for the given node base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

// unspentEntry is the node's unspent output record.
type unspentEntry struct {
	TxHash string `json:"tx_hash"`
	TxPos  uint32 `json:"tx_pos"`
	Value  int64  `json:"value"`
}

// ListUTXOs fetches unspent outputs for a P2PKH address. The node does not
// return locking scripts, so the standard P2PKH script is reconstructed from
// the address.
func (c *Client) ListUTXOs(ctx context.Context, address string) ([]utxo.UTXO, error) {
	scriptBytes, err := txbuilder.PayToAddressScript(address)
	if err != nil {
		return nil, err
	}
	script := hex.EncodeToString(scriptBytes)

	var entries []unspentEntry
	url := fmt.Sprintf("%s/address/%s/unspent", c.baseURL, address)
	err = retry.Do(ctx, maxAttempts, baseDelay, func() error {
		return c.getJSON(ctx, "list_utxos", url, &entries)
	})
	if err != nil {
		return nil, err
	}

	out := make([]utxo.UTXO, 0, len(entries))
	for _, e := range entries {
		out = append(out, utxo.UTXO{
			TxID:          e.TxHash,
			Vout:          e.TxPos,
			Amount:        e.Value,
			LockingScript: script,
			Address:       address,
		})
	}
	return out, nil
}

// Broadcast submits a raw transaction. Single attempt.
func (c *Client) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	if _, err := hex.DecodeString(rawTxHex); err != nil {
		return "", fmt.Errorf("%w: raw tx is not hex", ErrRejected)
	}

	const key = "broadcast"
	if !c.breaker.Allow(key) {
		return "", fmt.Errorf("%w: circuit open", ErrNodeUnavailable)
	}

	body, _ := json.Marshal(map[string]string{"txhex": rawTxHex})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/tx/raw", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure(key)
		metrics.BroadcastsTotal.WithLabelValues("unavailable").Inc()
		return "", fmt.Errorf("%w: %v", ErrNodeUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		c.breaker.RecordFailure(key)
		return "", fmt.Errorf("%w: %v", ErrNodeUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		// A rejection is the node working fine and disliking our tx.
		c.breaker.RecordSuccess(key)
		metrics.BroadcastsTotal.WithLabelValues("rejected").Inc()
		return "", fmt.Errorf("%w: %s", ErrRejected, strings.TrimSpace(string(raw)))
	}
	c.breaker.RecordSuccess(key)
	metrics.BroadcastsTotal.WithLabelValues("ok").Inc()

	// The node returns the txid as a JSON string.
	txID := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	return txID, nil
}

// getJSON performs one GET behind the breaker and decodes into v.
func (c *Client) getJSON(ctx context.Context, key, url string, v any) error {
	if !c.breaker.Allow(key) {
		return retry.Permanent(fmt.Errorf("%w: circuit open", ErrNodeUnavailable))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return retry.Permanent(err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure(key)
		return fmt.Errorf("%w: %v", ErrNodeUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.breaker.RecordFailure(key)
		err := fmt.Errorf("%w: status %d", ErrNodeUnavailable, resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return retry.Permanent(err)
		}
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		c.breaker.RecordFailure(key)
		return fmt.Errorf("%w: decode: %v", ErrNodeUnavailable, err)
	}
	c.breaker.RecordSuccess(key)
	return nil
}

var _ utxo.ChainClient = (*Client)(nil)
