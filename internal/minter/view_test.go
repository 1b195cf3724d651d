package minter

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/zeebo/assert"

	"hellopyusd/internal/chain"
	"hellopyusd/internal/query"
)

func success[T any](v T) query.Result[T] {
	return query.Result[T]{Status: query.StatusSuccess, Data: v}
}

func failure[T any](err error) query.Result[T] {
	return query.Result[T]{Status: query.StatusError, Err: err}
}

var (
	mintRequest    = chain.Request{Method: "mint", To: common.HexToAddress("0xcc"), Data: []byte{0x14, 0x59, 0x45, 0x7a}}
	approveRequest = chain.Request{Method: "approve", To: common.HexToAddress("0xbb"), Data: []byte{0x09, 0x5e, 0xa7, 0xb3}}
	errAllowance   = &chain.SimulationError{Method: "mint", Code: chain.CodeInsufficientAllowance, Reason: "ERC20InsufficientAllowance"}
)

// readyInputs is a connected account that still needs an approval.
func readyInputs() Inputs {
	return Inputs{
		Connected:       true,
		NativeSymbol:    "ETH",
		NFTSymbol:       "HIPYUSD",
		Gas:             GasRequirements{Approval: 100000, Mint: 150000},
		NativeBalance:   success(big.NewInt(1_000_000_000)),
		GasPrice:        success(big.NewInt(10)),
		MintPrice:       success(big.NewInt(1_000_000)),
		Token:           success(Token{Decimals: 6, Name: "PayPal USD", Symbol: "PYUSD"}),
		TokenBalance:    success(big.NewInt(5_000_000)),
		SimulateMint:    failure[chain.Request](errAllowance),
		SimulateApprove: success(approveRequest),
	}
}

func TestDecideDisconnected(t *testing.T) {
	in := readyInputs()
	in.Connected = false
	in.NativeBalance = failure[*big.Int](errors.New("boom"))

	v := Decide(in)
	assert.Equal(t, v.Kind, KindConnect)
	assert.Equal(t, v.Label, "Connect to Mint")
}

func TestDecideErrorBeforeLoading(t *testing.T) {
	in := readyInputs()
	in.MintPrice = failure[*big.Int](errors.New("rpc down"))
	in.TokenBalance = query.Result[*big.Int]{Status: query.StatusPending}

	v := Decide(in)
	assert.Equal(t, v.Kind, KindError)
	assert.Equal(t, v.Label, "Error loading data...")
	assert.Equal(t, v.Detail, "rpc down")
	assert.False(t, v.Enabled)
}

func TestDecideLoading(t *testing.T) {
	in := readyInputs()
	in.GasPrice = query.Result[*big.Int]{Status: query.StatusPending}

	v := Decide(in)
	assert.Equal(t, v.Kind, KindLoading)
	assert.Equal(t, v.Label, "Loading...")
	assert.False(t, v.Enabled)
}

func TestDecideGasIncludesApprovalWhenAllowanceMissing(t *testing.T) {
	in := readyInputs()
	// 10 * (150000 + 100000)
	in.NativeBalance = success(big.NewInt(2_499_999))
	v := Decide(in)
	assert.Equal(t, v.Kind, KindInsufficientGas)
	assert.Equal(t, v.Label, "Insufficient ETH for gas")

	in.NativeBalance = success(big.NewInt(2_500_000))
	v = Decide(in)
	assert.Equal(t, v.Kind, KindApprove)
}

func TestDecideGasWithoutApproval(t *testing.T) {
	in := readyInputs()
	in.SimulateMint = success(mintRequest)
	in.NativeBalance = success(big.NewInt(1_500_000))

	v := Decide(in)
	assert.Equal(t, v.Kind, KindMint)

	in.NativeBalance = success(big.NewInt(1_499_999))
	v = Decide(in)
	assert.Equal(t, v.Kind, KindInsufficientGas)
}

func TestGasCost(t *testing.T) {
	g := GasRequirements{Approval: 100000, Mint: 150000}
	assert.Equal(t, g.Cost(big.NewInt(10), true).Int64(), int64(2_500_000))
	assert.Equal(t, g.Cost(big.NewInt(10), false).Int64(), int64(1_500_000))
	assert.Equal(t, g.Cost(nil, true).Int64(), int64(0))
}

func TestDecideTokenBalance(t *testing.T) {
	in := readyInputs()
	in.TokenBalance = success(big.NewInt(999_999))
	v := Decide(in)
	assert.Equal(t, v.Kind, KindInsufficientBalance)
	assert.Equal(t, v.Label, "Insufficient PYUSD")

	in.TokenBalance = success(big.NewInt(1_000_000))
	v = Decide(in)
	assert.Equal(t, v.Kind, KindApprove)
}

func TestDecideInFlight(t *testing.T) {
	in := readyInputs()
	in.SimulateMint = success(mintRequest)

	in.MintTx = TxProgress{Confirming: true}
	in.ApproveTx = TxProgress{Writing: true}
	assert.Equal(t, Decide(in).Kind, KindMinting)

	in.MintTx = TxProgress{}
	v := Decide(in)
	assert.Equal(t, v.Kind, KindApproving)
	assert.Equal(t, v.Label, "Approving...")
	assert.False(t, v.Enabled)
}

func TestDecideMintUsesSimulatedRequest(t *testing.T) {
	in := readyInputs()
	in.SimulateMint = success(mintRequest)

	v := Decide(in)
	assert.Equal(t, v.Kind, KindMint)
	assert.Equal(t, v.Label, "Mint HIPYUSD")
	assert.True(t, v.Enabled)
	assert.NotNil(t, v.Request)
	assert.DeepEqual(t, *v.Request, mintRequest)
}

func TestDecideApproveOnInsufficientAllowance(t *testing.T) {
	v := Decide(readyInputs())
	assert.Equal(t, v.Kind, KindApprove)
	assert.Equal(t, v.Label, "Mint")
	assert.True(t, v.Enabled)
	assert.DeepEqual(t, *v.Request, approveRequest)
}

func TestDecideNoApproveForOtherReverts(t *testing.T) {
	in := readyInputs()
	in.SimulateMint = failure[chain.Request](&chain.SimulationError{Method: "mint", Code: chain.CodeUnknown, Reason: "paused"})

	v := Decide(in)
	assert.Equal(t, v.Kind, KindUnavailable)
	assert.False(t, v.Enabled)
	assert.Equal(t, v.Detail, "simulate mint: paused")
}

func TestDecidePendingMintSimulation(t *testing.T) {
	in := readyInputs()
	in.SimulateMint = query.Result[chain.Request]{Status: query.StatusPending}

	assert.Equal(t, Decide(in).Kind, KindLoading)
}

func TestDecidePendingApproveSimulation(t *testing.T) {
	in := readyInputs()
	in.SimulateApprove = query.Result[chain.Request]{Status: query.StatusPending, Fetching: true}

	v := Decide(in)
	assert.Equal(t, v.Kind, KindLoading)
	assert.Equal(t, v.Label, "Loading...")
	assert.Equal(t, v.Detail, "")
}

func TestDecideFailedApproveSimulation(t *testing.T) {
	in := readyInputs()
	in.SimulateApprove = failure[chain.Request](errors.New("simulate approve: paused"))

	v := Decide(in)
	assert.Equal(t, v.Kind, KindUnavailable)
	assert.Equal(t, v.Detail, "simulate mint: ERC20InsufficientAllowance")
}
