// Package indexer is a read-only client for the Kaspa REST indexer.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds indexer client configuration.
type Config struct {
	BaseURL string        `envconfig:"KASPA_API_URL" default:"https://api.kaspa.org"`
	Timeout time.Duration `envconfig:"KASPA_API_TIMEOUT" default:"8s"`
}

// ErrUnexpectedStatus is returned for non-2xx indexer responses.
var ErrUnexpectedStatus = errors.New("unexpected indexer status")

// Utxo is an unspent output owned by an address.
type Utxo struct {
	Address       string
	TransactionID string
	Index         uint32
	Amount        int64
}

// Transaction is the subset of an indexer transaction the engine needs.
type Transaction struct {
	ID      string
	Inputs  []Input
	Outputs []Output
}

// Input is a transaction input with its resolved previous outpoint.
type Input struct {
	PreviousOutpointHash    string
	PreviousOutpointIndex   uint32
	PreviousOutpointAddress string
	PreviousOutpointAmount  int64
}

// Output is a transaction output.
type Output struct {
	Index   uint32
	Amount  int64
	Address string
}

// SenderAddress returns the first input's previous-outpoint address, if any.
func (t *Transaction) SenderAddress() string {
	if t == nil || len(t.Inputs) == 0 {
		return ""
	}
	return t.Inputs[0].PreviousOutpointAddress
}

// NetworkInfo summarizes the block DAG state.
type NetworkInfo struct {
	NetworkName     string  `json:"network_name"`
	BlockCount      int64   `json:"block_count"`
	HeaderCount     int64   `json:"header_count"`
	Difficulty      float64 `json:"difficulty"`
	PastMedianTime  int64   `json:"past_median_time"`
	VirtualDAAScore int64   `json:"virtual_daa_score"`
	SubnetworkID    string  `json:"subnetwork_id,omitempty"`
}

// Client queries the indexer over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new indexer client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// IsValidAddress reports whether address looks like a Kaspa address.
func IsValidAddress(address string) bool {
	return (strings.HasPrefix(address, "kaspa:") || strings.HasPrefix(address, "kaspatest:")) &&
		len(address) > 40
}

// GetBalance returns the address balance in sompi.
func (c *Client) GetBalance(ctx context.Context, address string) (int64, error) {
	var resp struct {
		Address string `json:"address"`
		Balance amount `json:"balance"`
	}
	if err := c.get(ctx, "/addresses/"+url.PathEscape(address)+"/balance", nil, &resp); err != nil {
		return 0, fmt.Errorf("getting balance: %w", err)
	}
	return int64(resp.Balance), nil
}

// GetUtxos returns the unspent outputs of address.
func (c *Client) GetUtxos(ctx context.Context, address string) ([]Utxo, error) {
	var resp []struct {
		Address  string `json:"address"`
		Outpoint struct {
			TransactionID string `json:"transactionId"`
			Index         uint32 `json:"index"`
		} `json:"outpoint"`
		UtxoEntry struct {
			Amount amount `json:"amount"`
		} `json:"utxoEntry"`
	}
	if err := c.get(ctx, "/addresses/"+url.PathEscape(address)+"/utxos", nil, &resp); err != nil {
		return nil, fmt.Errorf("getting utxos: %w", err)
	}

	utxos := make([]Utxo, 0, len(resp))
	for _, u := range resp {
		utxos = append(utxos, Utxo{
			Address:       u.Address,
			TransactionID: u.Outpoint.TransactionID,
			Index:         u.Outpoint.Index,
			Amount:        int64(u.UtxoEntry.Amount),
		})
	}
	return utxos, nil
}

// GetTransaction returns a transaction with light-resolved input addresses.
func (c *Client) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	query := url.Values{}
	query.Set("inputs", "true")
	query.Set("outputs", "true")
	query.Set("resolve_previous_outpoints", "light")

	var resp struct {
		TransactionID string `json:"transaction_id"`
		Inputs        []struct {
			PreviousOutpointHash    string `json:"previous_outpoint_hash"`
			PreviousOutpointIndex   amount `json:"previous_outpoint_index"`
			PreviousOutpointAddress string `json:"previous_outpoint_address"`
			PreviousOutpointAmount  amount `json:"previous_outpoint_amount"`
		} `json:"inputs"`
		Outputs []struct {
			Index                  amount `json:"index"`
			Amount                 amount `json:"amount"`
			ScriptPublicKeyAddress string `json:"script_public_key_address"`
		} `json:"outputs"`
	}
	if err := c.get(ctx, "/transactions/"+url.PathEscape(txID), query, &resp); err != nil {
		return nil, fmt.Errorf("getting transaction: %w", err)
	}

	tx := &Transaction{ID: resp.TransactionID}
	if tx.ID == "" {
		tx.ID = txID
	}
	for _, in := range resp.Inputs {
		tx.Inputs = append(tx.Inputs, Input{
			PreviousOutpointHash:    in.PreviousOutpointHash,
			PreviousOutpointIndex:   uint32(in.PreviousOutpointIndex),
			PreviousOutpointAddress: in.PreviousOutpointAddress,
			PreviousOutpointAmount:  int64(in.PreviousOutpointAmount),
		})
	}
	for _, out := range resp.Outputs {
		tx.Outputs = append(tx.Outputs, Output{
			Index:   uint32(out.Index),
			Amount:  int64(out.Amount),
			Address: out.ScriptPublicKeyAddress,
		})
	}
	return tx, nil
}

// GetNetworkInfo combines the block DAG and network endpoints.
func (c *Client) GetNetworkInfo(ctx context.Context) (*NetworkInfo, error) {
	var dag struct {
		NetworkName     string  `json:"networkName"`
		BlockCount      amount  `json:"blockCount"`
		HeaderCount     amount  `json:"headerCount"`
		Difficulty      float64 `json:"difficulty"`
		PastMedianTime  amount  `json:"pastMedianTime"`
		VirtualDAAScore amount  `json:"virtualDaaScore"`
	}
	if err := c.get(ctx, "/info/blockdag", nil, &dag); err != nil {
		return nil, fmt.Errorf("getting block dag info: %w", err)
	}

	var network struct {
		NetworkName  string `json:"networkName"`
		SubnetworkID string `json:"subnetworkId"`
	}
	if err := c.get(ctx, "/info/network", nil, &network); err != nil {
		// network name falls back to the DAG response
		c.logger.Debug("network info unavailable", "error", err)
	}

	info := &NetworkInfo{
		NetworkName:     network.NetworkName,
		BlockCount:      int64(dag.BlockCount),
		HeaderCount:     int64(dag.HeaderCount),
		Difficulty:      dag.Difficulty,
		PastMedianTime:  int64(dag.PastMedianTime),
		VirtualDAAScore: int64(dag.VirtualDAAScore),
		SubnetworkID:    network.SubnetworkID,
	}
	if info.NetworkName == "" {
		info.NetworkName = dag.NetworkName
	}
	return info, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: %d: %s", ErrUnexpectedStatus, resp.StatusCode, truncate(body, 256))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// amount decodes integers the indexer sends either as JSON numbers or
// as decimal strings.
type amount int64

func (a *amount) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*a = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("parsing amount %q: %w", s, err)
	}
	*a = amount(n)
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
