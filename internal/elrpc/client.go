// Package elrpc wraps a single execution-layer JSON-RPC endpoint. It is
// deliberately thin — all health tracking, selection and fallback live in
// rpcpool. This mirrors the teacher's split between flow.Client (transport)
// and the higher-level workers that decide what to fetch.
package elrpc

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Endpoint is one EL JSON-RPC connection.
type Endpoint struct {
	URL string

	eth *ethclient.Client
	raw *rpc.Client
}

// Dial connects to a single EL endpoint.
func Dial(ctx context.Context, url string) (*Endpoint, error) {
	raw, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial el endpoint %s: %w", url, err)
	}
	return &Endpoint{URL: url, eth: ethclient.NewClient(raw), raw: raw}, nil
}

// Close releases the underlying connection.
func (e *Endpoint) Close() {
	if e.raw != nil {
		e.raw.Close()
	}
}

// ChainID calls eth_chainId.
func (e *Endpoint) ChainID(ctx context.Context) (uint64, error) {
	id, err := e.eth.ChainID(ctx)
	if err != nil {
		return 0, err
	}
	return id.Uint64(), nil
}

// BlockNumber calls eth_blockNumber.
func (e *Endpoint) BlockNumber(ctx context.Context) (uint64, error) {
	return e.eth.BlockNumber(ctx)
}

// BlockByNumber calls eth_getBlockByNumber with full_txs=true.
func (e *Endpoint) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	return e.eth.BlockByNumber(ctx, new(big.Int).SetUint64(number))
}

// BlockReceipts calls eth_getBlockReceipts for the given block number.
func (e *Endpoint) BlockReceipts(ctx context.Context, number uint64) ([]*types.Receipt, error) {
	return e.eth.BlockReceipts(ctx, rpc.BlockNumberOrHashWithNumber(rpc.BlockNumber(number)))
}
