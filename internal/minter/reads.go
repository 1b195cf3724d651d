package minter

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"hellopyusd/internal/chain"
	"hellopyusd/internal/config"
	"hellopyusd/internal/contracts"
	"hellopyusd/internal/query"
)

// Query functions. Keys are address|function|args so a reset on a contract
// and function covers every argument combination.
const (
	fnToken            = "token"
	fnBalanceOf        = "balanceOf"
	fnAllowance        = "allowance"
	fnMintPrice        = "mintPrice"
	fnTotalIssued      = "totalIssued"
	fnOwner            = "owner"
	fnTokenURI         = "tokenURI"
	fnSimulateMint     = "simulate:mint"
	fnSimulateApprove  = "simulate:approve"
	fnSimulateWithdraw = "simulate:withdrawToken"

	nativeScope     = "native"
	fnNativeBalance = "balance"
	fnGasPrice      = "gasPrice"
)

func tokenCall(addrs config.Addresses, method string, args ...interface{}) chain.Call {
	return chain.Call{Contract: addrs.PaymentToken, ABI: &contracts.ERC20, Method: method, Args: args}
}

func nftCall(addrs config.Addresses, method string, args ...interface{}) chain.Call {
	return chain.Call{Contract: addrs.HelloPyusd, ABI: &contracts.HelloPyusd, Method: method, Args: args}
}

// readOne reads a single-output view function.
func readOne[T any](ctx context.Context, r chain.Reader, call chain.Call) (T, error) {
	var zero T
	out, err := r.ReadContract(ctx, call)
	if err != nil {
		return zero, err
	}
	if len(out) == 0 {
		return zero, fmt.Errorf("read %s: empty result", call.Method)
	}
	v, ok := out[0].(T)
	if !ok {
		return zero, fmt.Errorf("read %s: unexpected %T", call.Method, out[0])
	}
	return v, nil
}

func (o *Orchestrator) token(ctx context.Context, addrs config.Addresses) query.Result[Token] {
	key := query.NewKey(addrs.PaymentToken.Hex(), fnToken)
	// token metadata never changes
	return query.Fetch(ctx, o.cache, key, query.Options{StaleTime: query.Infinite}, func(ctx context.Context) (Token, error) {
		decimals, err := readOne[uint8](ctx, o.chain, tokenCall(addrs, "decimals"))
		if err != nil {
			return Token{}, err
		}
		name, err := readOne[string](ctx, o.chain, tokenCall(addrs, "name"))
		if err != nil {
			return Token{}, err
		}
		symbol, err := readOne[string](ctx, o.chain, tokenCall(addrs, "symbol"))
		if err != nil {
			return Token{}, err
		}
		return Token{Decimals: decimals, Name: name, Symbol: symbol}, nil
	})
}

func (o *Orchestrator) mintPrice(ctx context.Context, addrs config.Addresses) query.Result[*big.Int] {
	key := query.NewKey(addrs.HelloPyusd.Hex(), fnMintPrice)
	return query.Fetch(ctx, o.cache, key, query.Options{}, func(ctx context.Context) (*big.Int, error) {
		return readOne[*big.Int](ctx, o.chain, nftCall(addrs, "mintPrice"))
	})
}

func (o *Orchestrator) totalIssued(ctx context.Context, addrs config.Addresses) query.Result[*big.Int] {
	key := query.NewKey(addrs.HelloPyusd.Hex(), fnTotalIssued)
	return query.Fetch(ctx, o.cache, key, query.Options{}, func(ctx context.Context) (*big.Int, error) {
		return readOne[*big.Int](ctx, o.chain, nftCall(addrs, "totalIssued"))
	})
}

func (o *Orchestrator) owner(ctx context.Context, addrs config.Addresses) query.Result[common.Address] {
	key := query.NewKey(addrs.HelloPyusd.Hex(), fnOwner)
	return query.Fetch(ctx, o.cache, key, query.Options{}, func(ctx context.Context) (common.Address, error) {
		return readOne[common.Address](ctx, o.chain, nftCall(addrs, "owner"))
	})
}

func (o *Orchestrator) tokenBalance(ctx context.Context, addrs config.Addresses, holder common.Address) query.Result[*big.Int] {
	key := query.NewKey(addrs.PaymentToken.Hex(), fnBalanceOf, holder.Hex())
	return query.Fetch(ctx, o.cache, key, query.Options{}, func(ctx context.Context) (*big.Int, error) {
		return readOne[*big.Int](ctx, o.chain, tokenCall(addrs, "balanceOf", holder))
	})
}

// accrued is the payment token held by the NFT contract.
func (o *Orchestrator) accrued(ctx context.Context, addrs config.Addresses) query.Result[*big.Int] {
	return o.tokenBalance(ctx, addrs, addrs.HelloPyusd)
}

func (o *Orchestrator) allowance(ctx context.Context, addrs config.Addresses, holder common.Address) query.Result[*big.Int] {
	key := query.NewKey(addrs.PaymentToken.Hex(), fnAllowance, holder.Hex(), addrs.HelloPyusd.Hex())
	return query.Fetch(ctx, o.cache, key, query.Options{}, func(ctx context.Context) (*big.Int, error) {
		return readOne[*big.Int](ctx, o.chain, tokenCall(addrs, "allowance", holder, addrs.HelloPyusd))
	})
}

func (o *Orchestrator) nativeBalance(ctx context.Context, holder common.Address) query.Result[*big.Int] {
	key := query.NewKey(nativeScope, fnNativeBalance, holder.Hex())
	return query.Fetch(ctx, o.cache, key, query.Options{}, func(ctx context.Context) (*big.Int, error) {
		return o.chain.BalanceAt(ctx, holder)
	})
}

func (o *Orchestrator) gasPrice(ctx context.Context) query.Result[*big.Int] {
	key := query.NewKey(nativeScope, fnGasPrice)
	return query.Fetch(ctx, o.cache, key, query.Options{}, func(ctx context.Context) (*big.Int, error) {
		return o.chain.GasPrice(ctx)
	})
}

func (o *Orchestrator) simulateMintKey(addrs config.Addresses, account common.Address) query.Key {
	return query.NewKey(addrs.HelloPyusd.Hex(), fnSimulateMint, account.Hex())
}

func (o *Orchestrator) simulateMintFn(addrs config.Addresses, account common.Address) func(context.Context) (chain.Request, error) {
	return func(ctx context.Context) (chain.Request, error) {
		return o.chain.SimulateContract(ctx, account, nftCall(addrs, "mint"))
	}
}

func (o *Orchestrator) simulateMint(ctx context.Context, addrs config.Addresses, account common.Address) query.Result[chain.Request] {
	return query.Fetch(ctx, o.cache, o.simulateMintKey(addrs, account), query.Options{}, o.simulateMintFn(addrs, account))
}

// refetchSimulateMint re-runs the mint simulation and waits for its outcome.
func (o *Orchestrator) refetchSimulateMint(ctx context.Context, addrs config.Addresses, account common.Address) query.Result[chain.Request] {
	return query.Refetch(ctx, o.cache, o.simulateMintKey(addrs, account), o.simulateMintFn(addrs, account))
}

// simulateApprove prepares approve(nft, mintPrice). It stays pending until the
// mint price is known.
func (o *Orchestrator) simulateApprove(ctx context.Context, addrs config.Addresses, account common.Address, price query.Result[*big.Int]) query.Result[chain.Request] {
	if !price.IsSuccess() {
		return query.Result[chain.Request]{Key: query.NewKey(addrs.PaymentToken.Hex(), fnSimulateApprove), Status: query.StatusPending}
	}
	key := query.NewKey(addrs.PaymentToken.Hex(), fnSimulateApprove, account.Hex(), addrs.HelloPyusd.Hex(), price.Data)
	return query.Fetch(ctx, o.cache, key, query.Options{}, o.simulateApproveFn(addrs, account, price.Data))
}

func (o *Orchestrator) simulateApproveFn(addrs config.Addresses, account common.Address, price *big.Int) func(context.Context) (chain.Request, error) {
	return func(ctx context.Context) (chain.Request, error) {
		return o.chain.SimulateContract(ctx, account, tokenCall(addrs, "approve", addrs.HelloPyusd, price))
	}
}

func (o *Orchestrator) simulateWithdraw(ctx context.Context, addrs config.Addresses, account common.Address) query.Result[chain.Request] {
	key := query.NewKey(addrs.HelloPyusd.Hex(), fnSimulateWithdraw, account.Hex(), addrs.PaymentToken.Hex())
	return query.Fetch(ctx, o.cache, key, query.Options{}, func(ctx context.Context) (chain.Request, error) {
		return o.chain.SimulateContract(ctx, account, nftCall(addrs, "withdrawToken", addrs.PaymentToken, account))
	})
}

func (o *Orchestrator) tokenURI(ctx context.Context, addrs config.Addresses, id *big.Int) query.Result[Metadata] {
	key := query.NewKey(addrs.HelloPyusd.Hex(), fnTokenURI, id)
	return query.Fetch(ctx, o.cache, key, query.Options{StaleTime: query.Infinite}, func(ctx context.Context) (Metadata, error) {
		uri, err := readOne[string](ctx, o.chain, nftCall(addrs, "tokenURI", id))
		if err != nil {
			return Metadata{}, err
		}
		return DecodeTokenURI(uri)
	})
}
