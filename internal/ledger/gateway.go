// Package ledger is the narrow capability contract the engine needs from
// the external chain (sign and send, receipt, read call, gas estimate,
// nonce and balance views) plus its go-ethereum implementation.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrUnknownSigner is returned when a transaction is requested from an
	// address whose key is not loaded.
	ErrUnknownSigner = errors.New("ledger: unknown signer")
	// ErrNonceTooLow means the node already holds a different transaction
	// at this nonce; the rejected one can never be mined.
	ErrNonceTooLow = errors.New("ledger: nonce too low")
	// ErrRejected means the node answered and refused the transaction, so
	// it never entered the mempool.  Transport failures do not wrap it.
	ErrRejected = errors.New("ledger: transaction rejected")
)

// TxRequest is a contract call to sign with From's key.
type TxRequest struct {
	From     common.Address
	To       common.Address
	Nonce    uint64
	GasPrice *big.Int
	GasLimit uint64
	Data     []byte
}

// Gateway is everything the engine asks of the ledger.  Implementations
// are expected to be slow and to fail; callers treat every error as
// retryable unless stated otherwise.
type Gateway interface {
	// Sign builds and signs req.  Nothing reaches the ledger; the hash of
	// the returned transaction is final.
	Sign(ctx context.Context, req TxRequest) (*types.Transaction, error)
	// Send broadcasts a signed transaction.  Sending one the node already
	// knows is not an error.
	Send(ctx context.Context, tx *types.Transaction) error
	// TransactionReceipt returns nil, nil while the transaction is unknown
	// or not yet mined.
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
}

// Client is the subset of *ethclient.Client used by EthGateway.
type Client interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// EthGateway implements Gateway over a JSON-RPC endpoint.  It holds the
// private keys of the signer pool and signs legacy transactions for the
// configured chain id.
type EthGateway struct {
	client  Client
	chainID *big.Int

	mu   sync.RWMutex
	keys map[common.Address]*ecdsa.PrivateKey
}

// Dial connects to rpcURL and returns a gateway for chainID.
func Dial(ctx context.Context, rpcURL string, chainID uint64) (*EthGateway, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	return NewEthGateway(c, chainID), nil
}

// NewEthGateway wraps an existing client.
func NewEthGateway(client Client, chainID uint64) *EthGateway {
	return &EthGateway{
		client:  client,
		chainID: new(big.Int).SetUint64(chainID),
		keys:    make(map[common.Address]*ecdsa.PrivateKey),
	}
}

// AddKey loads a signer key and returns its address.
func (g *EthGateway) AddKey(key *ecdsa.PrivateKey) common.Address {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	g.mu.Lock()
	g.keys[addr] = key
	g.mu.Unlock()
	return addr
}

// Sign signs req with the key of req.From.
func (g *EthGateway) Sign(_ context.Context, req TxRequest) (*types.Transaction, error) {
	g.mu.RLock()
	key, ok := g.keys[req.From]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSigner, req.From.Hex())
	}
	to := req.To
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    req.Nonce,
		GasPrice: req.GasPrice,
		Gas:      req.GasLimit,
		To:       &to,
		Value:    big.NewInt(0),
		Data:     req.Data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(g.chainID), key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	return signed, nil
}

// Send submits tx to the node.  A transaction the node already holds
// counts as sent.
func (g *EthGateway) Send(ctx context.Context, tx *types.Transaction) error {
	err := g.client.SendTransaction(ctx, tx)
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	var rpcErr rpc.Error
	switch {
	case strings.Contains(msg, "already known"):
		return nil
	case strings.Contains(msg, "nonce too low"):
		return fmt.Errorf("%w: %w: %v", ErrRejected, ErrNonceTooLow, err)
	case errors.As(err, &rpcErr):
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return err
}

// TransactionReceipt maps ethereum.NotFound to a nil receipt.
func (g *EthGateway) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	r, err := g.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	return r, err
}

func (g *EthGateway) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return g.client.EstimateGas(ctx, call)
}

// CallContract runs a read-only call against the latest block.
func (g *EthGateway) CallContract(ctx context.Context, call ethereum.CallMsg) ([]byte, error) {
	return g.client.CallContract(ctx, call, nil)
}

func (g *EthGateway) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return g.client.PendingNonceAt(ctx, account)
}

func (g *EthGateway) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	return g.client.BalanceAt(ctx, account, nil)
}

// EncodeRaw returns the 0x-prefixed binary encoding of a signed
// transaction, the form stored for rebroadcasting.
func EncodeRaw(tx *types.Transaction) (string, error) {
	b, err := tx.MarshalBinary()
	if err != nil {
		return "", err
	}
	return hexutil.Encode(b), nil
}

// DecodeRaw parses the output of EncodeRaw.
func DecodeRaw(raw string) (*types.Transaction, error) {
	b, err := hexutil.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode raw tx: %w", err)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("decode raw tx: %w", err)
	}
	return tx, nil
}
