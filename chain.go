package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/mr-tron/base58"
)

// ChainClient is the on-chain collaborator: entry-fee verification and
// prize disbursement. Implementations must fail closed: any lookup or
// parse failure reads as "payment not verified".
type ChainClient interface {
	// VerifyPayment confirms that the transaction with the given signature
	// paid at least minLamports from payer to the treasury.
	VerifyPayment(ctx context.Context, signature, payer string, minLamports int64) bool
	// SendPrizes submits one batched multi-transfer from the treasury.
	// Returns the transaction signature, or nil for an empty batch.
	SendPrizes(ctx context.Context, payouts []Payout) (*string, error)
	// TreasuryAddress is the base58 address entry fees must be sent to.
	TreasuryAddress() string
}

const rpcTimeout = 15 * time.Second

// RPCClient talks JSON-RPC to a Gorbagana/Solana-compatible node
type RPCClient struct {
	url      string
	http     *http.Client
	treasury ed25519.PrivateKey
	addr     string // base58 of the treasury public key
}

// NewRPCClient builds a chain client from the RPC endpoint and the
// base58-encoded treasury secret key.
func NewRPCClient(url, treasurySecret string) (*RPCClient, error) {
	raw, err := base58.Decode(treasurySecret)
	if err != nil {
		return nil, fmt.Errorf("decode treasury secret: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("treasury secret: want %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	key := ed25519.PrivateKey(raw)
	addr := base58.Encode(key.Public().(ed25519.PublicKey))
	return &RPCClient{
		url:      url,
		http:     &http.Client{Timeout: rpcTimeout},
		treasury: key,
		addr:     addr,
	}, nil
}

// TreasuryAddress returns the base58 treasury public key
func (c *RPCClient) TreasuryAddress() string {
	return c.addr
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// parsedTransaction mirrors the slice of a getTransaction response we need:
// execution status plus the parsed system-transfer instructions.
type parsedTransaction struct {
	Meta *struct {
		Err interface{} `json:"err"`
	} `json:"meta"`
	Transaction struct {
		Message struct {
			Instructions []struct {
				Program string `json:"program"`
				Parsed  *struct {
					Type string `json:"type"`
					Info struct {
						Source      string `json:"source"`
						Destination string `json:"destination"`
						Lamports    int64  `json:"lamports"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"instructions"`
		} `json:"message"`
	} `json:"transaction"`
}

// call performs one JSON-RPC request and unmarshals the result
func (c *RPCClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc status %d", resp.StatusCode)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return err
	}
	if envelope.Error != nil {
		return fmt.Errorf("rpc error %d: %s", envelope.Error.Code, envelope.Error.Message)
	}
	if result != nil {
		return json.Unmarshal(envelope.Result, result)
	}
	return nil
}

// VerifyPayment fetches the confirmed transaction and checks that it
// succeeded, contains a direct system transfer from payer to the treasury,
// and moved at least minLamports. Every failure mode returns false.
func (c *RPCClient) VerifyPayment(ctx context.Context, signature, payer string, minLamports int64) bool {
	var tx *parsedTransaction
	err := c.call(ctx, "getTransaction", []interface{}{
		signature,
		map[string]interface{}{"encoding": "jsonParsed", "commitment": "confirmed"},
	}, &tx)
	if err != nil {
		log.Printf("payment lookup failed for %.16s...: %v", signature, err)
		return false
	}
	if tx == nil || tx.Meta == nil || tx.Meta.Err != nil {
		return false
	}
	for _, ix := range tx.Transaction.Message.Instructions {
		if ix.Program != "system" || ix.Parsed == nil || ix.Parsed.Type != "transfer" {
			continue
		}
		info := ix.Parsed.Info
		return info.Source == payer &&
			info.Destination == c.addr &&
			info.Lamports >= minLamports
	}
	return false
}

// SendPrizes signs and submits one batched transfer transaction from the
// treasury. Zero-value payouts must already be filtered; an empty batch is
// a no-op, not an error.
func (c *RPCClient) SendPrizes(ctx context.Context, payouts []Payout) (*string, error) {
	if len(payouts) == 0 {
		return nil, nil
	}

	var blockhash struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getLatestBlockhash", []interface{}{
		map[string]interface{}{"commitment": "confirmed"},
	}, &blockhash); err != nil {
		return nil, fmt.Errorf("get blockhash: %w", err)
	}

	wire, err := buildTransferTx(c.treasury, blockhash.Value.Blockhash, payouts)
	if err != nil {
		return nil, fmt.Errorf("build transfer tx: %w", err)
	}

	var sig string
	if err := c.call(ctx, "sendTransaction", []interface{}{
		base58.Encode(wire),
		map[string]interface{}{"encoding": "base58", "preflightCommitment": "confirmed"},
	}, &sig); err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}
	return &sig, nil
}
