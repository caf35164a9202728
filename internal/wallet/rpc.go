package wallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sableintel/humint-escrow/internal/domain"
	"github.com/shopspring/decimal"
)

// RPCClient talks to a zcashd-compatible node over JSON-RPC 1.0 with basic
// auth. Each call carries its own timeout so a stuck node cannot hang the
// payout worker.
type RPCClient struct {
	url         string
	user        string
	password    string
	fromAddress string
	httpClient  *http.Client
	callTimeout time.Duration
}

// NewRPCClient builds a client for the node at url. fromAddress is the escrow
// wallet's shielded address used as the z_sendmany source.
func NewRPCClient(url, user, password, fromAddress string, callTimeout time.Duration) *RPCClient {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &RPCClient{
		url:         url,
		user:        user,
		password:    password,
		fromAddress: fromAddress,
		httpClient:  &http.Client{Timeout: callTimeout},
		callTimeout: callTimeout,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *RPCClient) call(ctx context.Context, method string, params []any, result any) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "1.0",
		ID:      "humint-escrow",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.user, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s rpc call: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("decode %s response (http %d): %w", method, resp.StatusCode, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%s rpc error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// Balance reports the shielded balance via z_gettotalbalance, splitting
// confirmed (minconf=1) from unconfirmed funds.
func (c *RPCClient) Balance(ctx context.Context) (Balance, error) {
	type totalBalance struct {
		Private string `json:"private"`
	}

	var confirmed totalBalance
	if err := c.call(ctx, "z_gettotalbalance", []any{1}, &confirmed); err != nil {
		return Balance{}, err
	}
	var total totalBalance
	if err := c.call(ctx, "z_gettotalbalance", []any{0}, &total); err != nil {
		return Balance{}, err
	}

	available, err := domain.ParseZEC(confirmed.Private)
	if err != nil {
		return Balance{}, fmt.Errorf("parse confirmed balance: %w", err)
	}
	all, err := domain.ParseZEC(total.Private)
	if err != nil {
		return Balance{}, fmt.Errorf("parse total balance: %w", err)
	}

	pending := all - available
	if pending < 0 {
		pending = 0
	}
	return Balance{Available: available, Pending: pending}, nil
}

// SendShielded submits a z_sendmany with a single recipient and returns the
// async operation id.
func (c *RPCClient) SendShielded(ctx context.Context, toAddress string, amount int64, memo string) (string, error) {
	if !ValidShieldedAddress(toAddress) {
		return "", fmt.Errorf("refusing to send to malformed address %q", toAddress)
	}
	recipient := map[string]any{
		"address": toAddress,
		// zcashd wants a JSON number in ZEC; decimal keeps it exact.
		"amount": json.RawMessage(decimal.NewFromInt(amount).Div(decimal.NewFromInt(domain.ZatoshisPerZEC)).String()),
	}
	if memo != "" {
		recipient["memo"] = hex.EncodeToString([]byte(memo))
	}

	var operationID string
	if err := c.call(ctx, "z_sendmany", []any{c.fromAddress, []any{recipient}, 1}, &operationID); err != nil {
		return "", err
	}
	return operationID, nil
}

// OperationStatus polls z_getoperationstatus for one operation id.
func (c *RPCClient) OperationStatus(ctx context.Context, operationID string) (OperationStatus, error) {
	type opResult struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Result struct {
			TxID string `json:"txid"`
		} `json:"result"`
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}

	var ops []opResult
	if err := c.call(ctx, "z_getoperationstatus", []any{[]string{operationID}}, &ops); err != nil {
		return OperationStatus{}, err
	}
	if len(ops) == 0 {
		return OperationStatus{}, fmt.Errorf("operation %s not found", operationID)
	}

	op := ops[0]
	return OperationStatus{
		ID:     op.ID,
		Status: op.Status,
		TxID:   op.Result.TxID,
		Error:  op.Error.Message,
	}, nil
}

// ChainSynced checks getblockchaininfo verification progress against the tip.
func (c *RPCClient) ChainSynced(ctx context.Context) (bool, error) {
	var info struct {
		Blocks               int64   `json:"blocks"`
		Headers              int64   `json:"headers"`
		VerificationProgress float64 `json:"verificationprogress"`
	}
	if err := c.call(ctx, "getblockchaininfo", nil, &info); err != nil {
		return false, err
	}
	if info.Blocks == 0 || info.Headers == 0 {
		return false, nil
	}
	return info.Blocks >= info.Headers-1 && info.VerificationProgress > 0.9999, nil
}
