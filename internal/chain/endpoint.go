package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Endpoint is one ledger gateway node.
type Endpoint interface {
	Name() string

	// CallReadOnly evaluates a read-only contract function and returns its
	// JSON result. A JSON null result means "none".
	CallReadOnly(ctx context.Context, apiKey string, call ReadOnlyCall) (json.RawMessage, error)

	// Broadcast submits a signed transaction. A non-nil error means the
	// node could not be reached or answered unintelligibly; ledger-level
	// rejections come back in the response.
	Broadcast(ctx context.Context, apiKey string, rawTx []byte) (*BroadcastResponse, error)
}

// ReadOnlyCall names a contract function and its arguments.
type ReadOnlyCall struct {
	Contract string   `json:"-"`
	Function string   `json:"-"`
	Sender   string   `json:"sender"`
	Args     []string `json:"arguments"`
}

// BroadcastResponse is the gateway's answer to a submission.
type BroadcastResponse struct {
	TxID       string          `json:"txid,omitempty"`
	Status     string          `json:"status,omitempty"`
	Error      string          `json:"error,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	ReasonData *ReasonData     `json:"reason_data,omitempty"`
	Raw        json.RawMessage `json:"-"`
}

// ReasonData holds the fee hint of a FeeTooLow rejection.
type ReasonData struct {
	Expected uint64 `json:"expected"`
	Actual   uint64 `json:"actual"`
}

// ReasonFeeTooLow is the rejection reason that triggers a fee retry.
const ReasonFeeTooLow = "FeeTooLow"

// -----------------------------------------------------------------------------
// HTTP gateway
// -----------------------------------------------------------------------------

// HTTPEndpoint talks to a ledger gateway over its JSON HTTP API:
//
//	POST {base}/v2/contracts/call-read/{contract}/{function}
//	POST {base}/v2/transactions
type HTTPEndpoint struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewHTTPEndpoint returns an endpoint for baseURL. A nil client gets a 10s timeout.
func NewHTTPEndpoint(baseURL string, client *http.Client) *HTTPEndpoint {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return &HTTPEndpoint{name: baseURL, baseURL: baseURL, client: client}
}

func (h *HTTPEndpoint) Name() string { return h.name }

type callReadResponse struct {
	Okay   bool            `json:"okay"`
	Result json.RawMessage `json:"result"`
	Cause  string          `json:"cause"`
}

func (h *HTTPEndpoint) CallReadOnly(ctx context.Context, apiKey string, call ReadOnlyCall) (json.RawMessage, error) {
	if call.Args == nil {
		call.Args = []string{}
	}
	body, err := json.Marshal(call)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/v2/contracts/call-read/%s/%s", h.baseURL, call.Contract, call.Function)
	status, respBody, err := h.post(ctx, url, apiKey, "application/json", body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%s: http %d: %s", call.Function, status, truncate(respBody))
	}

	var resp callReadResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", call.Function, err)
	}
	if !resp.Okay {
		return nil, fmt.Errorf("%w: %s: %s", ErrCallRejected, call.Function, resp.Cause)
	}
	if len(resp.Result) == 0 {
		return json.RawMessage("null"), nil
	}
	return resp.Result, nil
}

func (h *HTTPEndpoint) Broadcast(ctx context.Context, apiKey string, rawTx []byte) (*BroadcastResponse, error) {
	body, err := json.Marshal(map[string]string{"tx": hexutil.Encode(rawTx)})
	if err != nil {
		return nil, err
	}
	status, respBody, err := h.post(ctx, h.baseURL+"/v2/transactions", apiKey, "application/json", body)
	if err != nil {
		return nil, err
	}
	if status >= http.StatusInternalServerError {
		return nil, fmt.Errorf("broadcast: http %d: %s", status, truncate(respBody))
	}

	resp := &BroadcastResponse{Raw: json.RawMessage(respBody)}
	if err := json.Unmarshal(respBody, resp); err != nil {
		// Some gateways answer a bare quoted txid.
		var txid string
		if json.Unmarshal(respBody, &txid) != nil {
			return nil, fmt.Errorf("broadcast: decode response: %w", err)
		}
		resp.TxID = txid
	}
	return resp, nil
}

func (h *HTTPEndpoint) post(ctx context.Context, url, apiKey, contentType string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", contentType)
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func truncate(b []byte) string {
	if len(b) > 256 {
		return string(b[:256]) + "..."
	}
	return string(b)
}
