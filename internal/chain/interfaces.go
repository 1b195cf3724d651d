package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Call identifies a contract function invocation.
type Call struct {
	Contract common.Address
	ABI      *abi.ABI
	Method   string
	Args     []interface{}
}

// Pack returns the calldata for the call.
func (c Call) Pack() ([]byte, error) {
	return c.ABI.Pack(c.Method, c.Args...)
}

// Request is a simulated call that can be signed and submitted as is.
type Request struct {
	From   common.Address
	To     common.Address
	Method string
	Data   []byte
	Gas    uint64
	Value  *big.Int
}

// Reader fetches contract and account state.
type Reader interface {
	ReadContract(ctx context.Context, call Call) ([]interface{}, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Simulator dry-runs a state-changing call. Reverts are returned as *SimulationError.
type Simulator interface {
	SimulateContract(ctx context.Context, from common.Address, call Call) (Request, error)
}

// Writer signs and submits a prepared request.
type Writer interface {
	WriteContract(ctx context.Context, req Request) (common.Hash, error)
}

// Watcher waits for a submitted transaction to be mined.
type Watcher interface {
	WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Wallet reports the connected account, if any.
type Wallet interface {
	Account() (common.Address, bool)
	ChainID() uint64
}

// Client is everything the minter needs from a chain.
type Client interface {
	Reader
	Simulator
	Writer
	Watcher
	Wallet
}

// HealthChecker is implemented by clients that can probe their RPC endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
