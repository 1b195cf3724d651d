package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const defaultReceiptPoll = 2 * time.Second

// EthClient reads, simulates and submits contract calls over JSON-RPC.
// Without a private key it behaves as a disconnected wallet.
type EthClient struct {
	client      *ethclient.Client
	chainID     *big.Int
	transacts   *bind.TransactOpts
	receiptPoll time.Duration
}

type EthClientConfig struct {
	RPCURL        string
	PrivateKeyHex string
	ReceiptPoll   time.Duration
}

func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	c := &EthClient{
		client:      cli,
		chainID:     chainID,
		receiptPoll: cfg.ReceiptPoll,
	}
	if c.receiptPoll <= 0 {
		c.receiptPoll = defaultReceiptPoll
	}

	if cfg.PrivateKeyHex != "" {
		pk, err := parsePrivateKey(cfg.PrivateKeyHex)
		if err != nil {
			cli.Close()
			return nil, err
		}
		txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
		if err != nil {
			cli.Close()
			return nil, fmt.Errorf("transactor: %w", err)
		}
		txOpts.GasPrice = nil
		txOpts.Nonce = nil
		c.transacts = txOpts
	}

	return c, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (c *EthClient) Close() {
	c.client.Close()
}

func (c *EthClient) Account() (common.Address, bool) {
	if c.transacts == nil {
		return common.Address{}, false
	}
	return c.transacts.From, true
}

func (c *EthClient) ChainID() uint64 {
	return c.chainID.Uint64()
}

func (c *EthClient) ReadContract(ctx context.Context, call Call) ([]interface{}, error) {
	bound := bind.NewBoundContract(call.Contract, *call.ABI, c.client, c.client, c.client)
	var out []interface{}
	if err := bound.Call(&bind.CallOpts{Context: ctx}, &out, call.Method, call.Args...); err != nil {
		return nil, fmt.Errorf("read %s: %w", call.Method, err)
	}
	return out, nil
}

func (c *EthClient) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	return c.client.BalanceAt(ctx, account, nil)
}

func (c *EthClient) GasPrice(ctx context.Context) (*big.Int, error) {
	return c.client.SuggestGasPrice(ctx)
}

func (c *EthClient) BlockNumber(ctx context.Context) (uint64, error) {
	return c.client.BlockNumber(ctx)
}

// SimulateContract runs the call with eth_call against latest state and, when
// it would succeed, estimates the gas the real submission needs.
func (c *EthClient) SimulateContract(ctx context.Context, from common.Address, call Call) (Request, error) {
	data, err := call.Pack()
	if err != nil {
		return Request{}, fmt.Errorf("pack %s: %w", call.Method, err)
	}

	to := call.Contract
	msg := ethereum.CallMsg{From: from, To: &to, Data: data}
	if _, err := c.client.CallContract(ctx, msg, nil); err != nil {
		return Request{}, ClassifySimulationError(call.Method, err)
	}
	gas, err := c.client.EstimateGas(ctx, msg)
	if err != nil {
		return Request{}, ClassifySimulationError(call.Method, err)
	}

	return Request{
		From:   from,
		To:     to,
		Method: call.Method,
		Data:   data,
		Gas:    gas,
	}, nil
}

func (c *EthClient) WriteContract(ctx context.Context, req Request) (common.Hash, error) {
	if c.transacts == nil {
		return common.Hash{}, ErrNoSigner
	}
	if req.From != c.transacts.From {
		return common.Hash{}, fmt.Errorf("request prepared for %s, signer is %s", req.From.Hex(), c.transacts.From.Hex())
	}

	opts := *c.transacts
	opts.Context = ctx
	opts.GasLimit = req.Gas
	opts.Value = req.Value

	bound := bind.NewBoundContract(req.To, abi.ABI{}, c.client, c.client, c.client)
	tx, err := bound.RawTransact(&opts, req.Data)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%s tx: %w", req.Method, err)
	}
	return tx.Hash(), nil
}

// WaitForReceipt polls until the transaction is mined or ctx is done. A mined
// but reverted transaction returns its receipt together with ErrTxReverted.
func (c *EthClient) WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.receiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := c.client.TransactionReceipt(ctx, hash)
		if receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, fmt.Errorf("%s: %w", hash.Hex(), ErrTxReverted)
			}
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}
