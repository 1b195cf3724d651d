package chain

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"hellopyusd/internal/contracts"
)

const (
	fakeApproveGas  = 46_000
	fakeMintGas     = 120_000
	fakeWithdrawGas = 52_000
)

// FakeConfig seeds a FakeChain.
type FakeConfig struct {
	ChainID    uint64
	Account    common.Address
	Connected  bool
	Token      common.Address
	NFT        common.Address
	Owner      common.Address
	Decimals   uint8
	Name       string
	Symbol     string
	MintPrice  *big.Int
	GasPrice   *big.Int
	ReceiptTTL time.Duration
}

// FakeChain is an in-memory payment token plus HelloPyusd contract. Writes stay
// pending until Mine is called, so callers observe every transaction state.
type FakeChain struct {
	mu sync.Mutex

	cfg        FakeConfig
	balances   map[common.Address]*big.Int
	allowances map[[2]common.Address]*big.Int
	native     map[common.Address]*big.Int
	issued     int64
	block      uint64
	nonce      uint64

	pending  []fakeTx
	receipts map[common.Hash]*types.Receipt
	writes   []Request

	readErrs     map[string]error
	simulateErrs map[string]error
	writeErr     error
	gasPriceErr  error
}

type fakeTx struct {
	hash common.Hash
	req  Request
}

type revertError struct {
	msg  string
	data string
}

func (e *revertError) Error() string          { return e.msg }
func (e *revertError) ErrorCode() int         { return 3 }
func (e *revertError) ErrorData() interface{} { return e.data }

func NewFakeChain(cfg FakeConfig) *FakeChain {
	if cfg.MintPrice == nil {
		cfg.MintPrice = big.NewInt(0)
	}
	if cfg.GasPrice == nil {
		cfg.GasPrice = big.NewInt(1)
	}
	if cfg.ReceiptTTL <= 0 {
		cfg.ReceiptTTL = 5 * time.Millisecond
	}
	return &FakeChain{
		cfg:          cfg,
		balances:     make(map[common.Address]*big.Int),
		allowances:   make(map[[2]common.Address]*big.Int),
		native:       make(map[common.Address]*big.Int),
		receipts:     make(map[common.Hash]*types.Receipt),
		readErrs:     make(map[string]error),
		simulateErrs: make(map[string]error),
	}
}

func (f *FakeChain) SetTokenBalance(account common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[account] = new(big.Int).Set(amount)
}

func (f *FakeChain) SetNativeBalance(account common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.native[account] = new(big.Int).Set(amount)
}

func (f *FakeChain) SetAllowance(owner, spender common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowances[[2]common.Address{owner, spender}] = new(big.Int).Set(amount)
}

func (f *FakeChain) SetGasPrice(price *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg.GasPrice = new(big.Int).Set(price)
}

// Disconnect drops the wallet connection.
func (f *FakeChain) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg.Connected = false
}

// FailRead makes every read of method return err; a nil err clears it.
func (f *FakeChain) FailRead(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.readErrs, method)
		return
	}
	f.readErrs[method] = err
}

func (f *FakeChain) FailSimulate(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.simulateErrs, method)
		return
	}
	f.simulateErrs[method] = err
}

// FailWrite makes the wallet reject submissions, like a user declining the prompt.
func (f *FakeChain) FailWrite(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

func (f *FakeChain) FailGasPrice(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gasPriceErr = err
}

// Writes returns every request submitted so far.
func (f *FakeChain) Writes() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Request, len(f.writes))
	copy(out, f.writes)
	return out
}

func (f *FakeChain) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func (f *FakeChain) TokenBalance(account common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balanceOf(account)
}

func (f *FakeChain) Issued() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issued
}

func (f *FakeChain) Account() (common.Address, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.cfg.Connected {
		return common.Address{}, false
	}
	return f.cfg.Account, true
}

func (f *FakeChain) ChainID() uint64 {
	return f.cfg.ChainID
}

func (f *FakeChain) ReadContract(_ context.Context, call Call) ([]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.readErrs[call.Method]; err != nil {
		return nil, fmt.Errorf("read %s: %w", call.Method, err)
	}

	switch call.Contract {
	case f.cfg.Token:
		switch call.Method {
		case "decimals":
			return []interface{}{f.cfg.Decimals}, nil
		case "name":
			return []interface{}{f.cfg.Name}, nil
		case "symbol":
			return []interface{}{f.cfg.Symbol}, nil
		case "balanceOf":
			return []interface{}{f.balanceOf(call.Args[0].(common.Address))}, nil
		case "allowance":
			owner := call.Args[0].(common.Address)
			spender := call.Args[1].(common.Address)
			return []interface{}{f.allowance(owner, spender)}, nil
		}
	case f.cfg.NFT:
		switch call.Method {
		case "mintPrice":
			return []interface{}{new(big.Int).Set(f.cfg.MintPrice)}, nil
		case "totalIssued":
			return []interface{}{big.NewInt(f.issued)}, nil
		case "owner":
			return []interface{}{f.cfg.Owner}, nil
		case "tokenURI":
			id := call.Args[0].(*big.Int)
			// the next id renders before it is minted, as the deployed contract does
			if id.Sign() <= 0 || id.Int64() > f.issued+1 {
				return nil, fmt.Errorf("read tokenURI: nonexistent token %s", id)
			}
			return []interface{}{fakeTokenURI(id)}, nil
		}
	}
	return nil, fmt.Errorf("read %s: no such method on %s", call.Method, call.Contract.Hex())
}

func fakeTokenURI(id *big.Int) string {
	svg := fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg"><text>#%s</text></svg>`, id)
	meta, _ := json.Marshal(map[string]string{
		"name":  "Hello PYUSD #" + id.String(),
		"image": "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte(svg)),
	})
	return "data:application/json;base64," + base64.StdEncoding.EncodeToString(meta)
}

func (f *FakeChain) BalanceAt(_ context.Context, account common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.readErrs["balance"]; err != nil {
		return nil, err
	}
	return f.nativeOf(account), nil
}

func (f *FakeChain) GasPrice(context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gasPriceErr != nil {
		return nil, f.gasPriceErr
	}
	return new(big.Int).Set(f.cfg.GasPrice), nil
}

func (f *FakeChain) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.block, nil
}

func (f *FakeChain) SimulateContract(_ context.Context, from common.Address, call Call) (Request, error) {
	data, err := call.Pack()
	if err != nil {
		return Request{}, fmt.Errorf("pack %s: %w", call.Method, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.simulateErrs[call.Method]; err != nil {
		return Request{}, ClassifySimulationError(call.Method, err)
	}

	req := Request{From: from, To: call.Contract, Method: call.Method, Data: data}
	gas, err := f.check(req)
	if err != nil {
		return Request{}, ClassifySimulationError(call.Method, err)
	}
	req.Gas = gas
	return req, nil
}

func (f *FakeChain) WriteContract(_ context.Context, req Request) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writeErr != nil {
		return common.Hash{}, fmt.Errorf("%s tx: %w", req.Method, f.writeErr)
	}
	if !f.cfg.Connected || req.From != f.cfg.Account {
		return common.Hash{}, ErrNoSigner
	}

	f.nonce++
	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], f.nonce)
	hash := crypto.Keccak256Hash(req.From.Bytes(), req.Data, seed[:])

	f.writes = append(f.writes, req)
	f.pending = append(f.pending, fakeTx{hash: hash, req: req})
	return hash, nil
}

// Mine includes every pending transaction in a new block. Transactions that no
// longer pass their checks are mined as reverted.
func (f *FakeChain) Mine() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.block++
	for i, tx := range f.pending {
		status := types.ReceiptStatusSuccessful
		gas, err := f.check(tx.req)
		if err != nil {
			status = types.ReceiptStatusFailed
		} else {
			f.apply(tx.req)
		}
		fee := new(big.Int).Mul(new(big.Int).SetUint64(gas), f.cfg.GasPrice)
		f.native[tx.req.From] = new(big.Int).Sub(f.nativeOf(tx.req.From), fee)

		f.receipts[tx.hash] = &types.Receipt{
			Status:           status,
			TxHash:           tx.hash,
			GasUsed:          gas,
			BlockNumber:      new(big.Int).SetUint64(f.block),
			TransactionIndex: uint(i),
		}
	}
	f.pending = nil
}

// Run mines a block every interval until ctx is done.
func (f *FakeChain) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Mine()
		}
	}
}

func (f *FakeChain) WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(f.cfg.ReceiptTTL)
	defer ticker.Stop()

	for {
		f.mu.Lock()
		receipt := f.receipts[hash]
		f.mu.Unlock()
		if receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, fmt.Errorf("%s: %w", hash.Hex(), ErrTxReverted)
			}
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (f *FakeChain) Ping(context.Context) error {
	return nil
}

// check validates req against current state and returns the gas it uses.
// Callers hold f.mu.
func (f *FakeChain) check(req Request) (uint64, error) {
	method, args, err := f.decode(req)
	if err != nil {
		return 0, err
	}

	switch method {
	case "approve":
		return fakeApproveGas, nil
	case "mint":
		price := f.cfg.MintPrice
		if allowance := f.allowance(req.From, f.cfg.NFT); allowance.Cmp(price) < 0 {
			return 0, revert(contracts.ERC20, "ERC20InsufficientAllowance", f.cfg.NFT, allowance, price)
		}
		if balance := f.balanceOf(req.From); balance.Cmp(price) < 0 {
			return 0, revert(contracts.ERC20, "ERC20InsufficientBalance", req.From, balance, price)
		}
		return fakeMintGas, nil
	case "withdrawToken":
		if req.From != f.cfg.Owner {
			return 0, revert(contracts.HelloPyusd, "OwnableUnauthorizedAccount", req.From)
		}
		if token := args[0].(common.Address); token != f.cfg.Token {
			return 0, fmt.Errorf("execution reverted: unknown token %s", token.Hex())
		}
		return fakeWithdrawGas, nil
	}
	return 0, fmt.Errorf("execution reverted: unsupported method %s", method)
}

// apply mutates state for a checked request. Callers hold f.mu.
func (f *FakeChain) apply(req Request) {
	method, args, _ := f.decode(req)

	switch method {
	case "approve":
		spender := args[0].(common.Address)
		f.allowances[[2]common.Address{req.From, spender}] = new(big.Int).Set(args[1].(*big.Int))
	case "mint":
		price := f.cfg.MintPrice
		key := [2]common.Address{req.From, f.cfg.NFT}
		f.allowances[key] = new(big.Int).Sub(f.allowance(req.From, f.cfg.NFT), price)
		f.balances[req.From] = new(big.Int).Sub(f.balanceOf(req.From), price)
		f.balances[f.cfg.NFT] = new(big.Int).Add(f.balanceOf(f.cfg.NFT), price)
		f.issued++
	case "withdrawToken":
		to := args[1].(common.Address)
		accrued := f.balanceOf(f.cfg.NFT)
		f.balances[to] = new(big.Int).Add(f.balanceOf(to), accrued)
		f.balances[f.cfg.NFT] = new(big.Int)
	}
}

func (f *FakeChain) decode(req Request) (string, []interface{}, error) {
	var parsed abi.ABI
	switch req.To {
	case f.cfg.Token:
		parsed = contracts.ERC20
	case f.cfg.NFT:
		parsed = contracts.HelloPyusd
	default:
		return "", nil, fmt.Errorf("execution reverted: no contract at %s", req.To.Hex())
	}
	if len(req.Data) < 4 {
		return "", nil, fmt.Errorf("execution reverted: short calldata")
	}
	method, err := parsed.MethodById(req.Data[:4])
	if err != nil {
		return "", nil, fmt.Errorf("execution reverted: %w", err)
	}
	args, err := method.Inputs.Unpack(req.Data[4:])
	if err != nil {
		return "", nil, fmt.Errorf("execution reverted: %w", err)
	}
	return method.Name, args, nil
}

func (f *FakeChain) balanceOf(account common.Address) *big.Int {
	if v, ok := f.balances[account]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (f *FakeChain) allowance(owner, spender common.Address) *big.Int {
	if v, ok := f.allowances[[2]common.Address{owner, spender}]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (f *FakeChain) nativeOf(account common.Address) *big.Int {
	if v, ok := f.native[account]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func revert(parsed abi.ABI, name string, args ...interface{}) error {
	customErr := parsed.Errors[name]
	payload, err := customErr.Inputs.Pack(args...)
	if err != nil {
		return fmt.Errorf("execution reverted: %s", name)
	}
	data := append(append([]byte{}, customErr.ID[:4]...), payload...)
	return &revertError{msg: "execution reverted", data: hexutil.Encode(data)}
}
