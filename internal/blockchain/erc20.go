package blockchain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"payable":false,"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"payable":false,"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"payable":false,"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"name","outputs":[{"name":"","type":"string"}],"payable":false,"stateMutability":"view","type":"function"}
]`

// TokenMetadata holds the immutable ERC-20 descriptors for a token.
type TokenMetadata struct {
	Address  string
	Symbol   string
	Name     string
	Decimals uint8
}

// TokenBalance returns the wallet's raw balance for an ERC-20 token.
func (c *Client) TokenBalance(ctx context.Context, wallet, token common.Address) (*big.Int, error) {
	ethClient, _, err := c.pool.Endpoint()
	if err != nil {
		return nil, fmt.Errorf("no RPC endpoint available: %w", err)
	}

	rpcCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	contract := bind.NewBoundContract(token, c.parsedABI, ethClient, ethClient, ethClient)

	var out []any
	err = c.retryWithFailover(rpcCtx, func() error {
		out = out[:0]
		return contract.Call(&bind.CallOpts{Context: rpcCtx}, &out, "balanceOf", wallet)
	})
	if err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}
	return out[0].(*big.Int), nil
}

// ResolveTokenMetadata reads symbol, name and decimals from the token
// contract. Decimals falls back to 18 when the call fails; symbol and
// name failures are fatal since a token without either is unusable.
func (c *Client) ResolveTokenMetadata(ctx context.Context, token common.Address) (TokenMetadata, error) {
	ethClient, _, err := c.pool.Endpoint()
	if err != nil {
		return TokenMetadata{}, fmt.Errorf("no RPC endpoint available: %w", err)
	}

	rpcCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	contract := bind.NewBoundContract(token, c.parsedABI, ethClient, ethClient, ethClient)
	meta := TokenMetadata{Address: NormalizeAddress(token.Hex()), Decimals: 18}

	var decimalsOut []any
	err = c.retryWithFailover(rpcCtx, func() error {
		decimalsOut = decimalsOut[:0]
		return contract.Call(&bind.CallOpts{Context: rpcCtx}, &decimalsOut, "decimals")
	})
	if err == nil {
		meta.Decimals = decimalsOut[0].(uint8)
	}

	var symbolOut []any
	err = c.retryWithFailover(rpcCtx, func() error {
		symbolOut = symbolOut[:0]
		return contract.Call(&bind.CallOpts{Context: rpcCtx}, &symbolOut, "symbol")
	})
	if err != nil {
		return meta, fmt.Errorf("symbol: %w", err)
	}
	meta.Symbol = symbolOut[0].(string)

	var nameOut []any
	err = c.retryWithFailover(rpcCtx, func() error {
		nameOut = nameOut[:0]
		return contract.Call(&bind.CallOpts{Context: rpcCtx}, &nameOut, "name")
	})
	if err != nil {
		return meta, fmt.Errorf("name: %w", err)
	}
	meta.Name = nameOut[0].(string)

	return meta, nil
}
