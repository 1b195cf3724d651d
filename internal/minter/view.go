package minter

import (
	"fmt"
	"math/big"

	"hellopyusd/internal/chain"
	"hellopyusd/internal/query"
)

const (
	DefaultApprovalGas uint64 = 100000
	DefaultMintGas     uint64 = 150000
)

// Kind is the single state the mint button is rendered in.
type Kind string

const (
	KindConnect             Kind = "connect"
	KindError               Kind = "error"
	KindLoading             Kind = "loading"
	KindInsufficientGas     Kind = "insufficient_gas"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindMinting             Kind = "minting"
	KindApproving           Kind = "approving"
	KindMint                Kind = "mint"
	KindApprove             Kind = "approve"
	KindUnavailable         Kind = "unavailable"
)

// View is what the user sees. Request is the prepared call the action submits.
type View struct {
	Kind    Kind           `json:"kind"`
	Label   string         `json:"label"`
	Enabled bool           `json:"enabled"`
	Detail  string         `json:"detail,omitempty"`
	Request *chain.Request `json:"-"`
}

// Token is the payment token's metadata.
type Token struct {
	Decimals uint8  `json:"decimals"`
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
}

// TxProgress reports whether a transaction is being signed or confirmed.
type TxProgress struct {
	Writing    bool
	Confirming bool
}

func (p TxProgress) InFlight() bool {
	return p.Writing || p.Confirming
}

// GasRequirements are the gas units budgeted for each transaction.
type GasRequirements struct {
	Approval uint64
	Mint     uint64
}

// Cost is gasPrice × (mint gas, plus approval gas when an approval is needed first).
func (g GasRequirements) Cost(gasPrice *big.Int, insufficientAllowance bool) *big.Int {
	units := g.Mint
	if insufficientAllowance {
		units += g.Approval
	}
	return new(big.Int).Mul(amount(gasPrice), new(big.Int).SetUint64(units))
}

// Inputs is everything Decide looks at.
type Inputs struct {
	Connected    bool
	NativeSymbol string
	NFTSymbol    string
	Gas          GasRequirements

	NativeBalance   query.Result[*big.Int]
	GasPrice        query.Result[*big.Int]
	MintPrice       query.Result[*big.Int]
	Token           query.Result[Token]
	TokenBalance    query.Result[*big.Int]
	SimulateMint    query.Result[chain.Request]
	SimulateApprove query.Result[chain.Request]

	MintTx    TxProgress
	ApproveTx TxProgress
}

// Decide picks the view for in. Checks run in strict priority order and the
// first match wins.
func Decide(in Inputs) View {
	if !in.Connected {
		return View{Kind: KindConnect, Label: "Connect to Mint", Enabled: true}
	}

	if err := firstError(in); err != nil {
		return View{Kind: KindError, Label: "Error loading data...", Detail: err.Error()}
	}

	if !in.NativeBalance.IsSuccess() ||
		!in.MintPrice.IsSuccess() ||
		!in.Token.IsSuccess() ||
		!in.TokenBalance.IsSuccess() ||
		!in.GasPrice.IsSuccess() {
		return View{Kind: KindLoading, Label: "Loading..."}
	}

	insufficientAllowance := in.SimulateMint.IsError() && chain.IsInsufficientAllowance(in.SimulateMint.Err)

	cost := in.Gas.Cost(in.GasPrice.Data, insufficientAllowance)
	if amount(in.NativeBalance.Data).Cmp(cost) < 0 {
		return View{
			Kind:   KindInsufficientGas,
			Label:  fmt.Sprintf("Insufficient %s for gas", in.NativeSymbol),
			Detail: fmt.Sprintf("need %s wei", cost),
		}
	}

	if amount(in.TokenBalance.Data).Cmp(amount(in.MintPrice.Data)) < 0 {
		return View{Kind: KindInsufficientBalance, Label: "Insufficient " + in.Token.Data.Symbol}
	}

	if in.MintTx.InFlight() {
		return View{Kind: KindMinting, Label: "Minting..."}
	}
	if in.ApproveTx.InFlight() {
		return View{Kind: KindApproving, Label: "Approving..."}
	}

	if in.SimulateMint.IsSuccess() {
		req := in.SimulateMint.Data
		return View{Kind: KindMint, Label: "Mint " + in.NFTSymbol, Enabled: true, Request: &req}
	}

	if in.SimulateMint.IsPending() {
		return View{Kind: KindLoading, Label: "Loading..."}
	}

	if insufficientAllowance && in.SimulateApprove.IsPending() {
		return View{Kind: KindLoading, Label: "Loading..."}
	}

	// approval is only offered when the mint failed for lack of allowance
	if insufficientAllowance && in.SimulateApprove.IsSuccess() {
		req := in.SimulateApprove.Data
		return View{Kind: KindApprove, Label: "Mint", Enabled: true, Request: &req}
	}

	v := View{Kind: KindUnavailable, Label: "Cannot mint"}
	if in.SimulateMint.Err != nil {
		v.Detail = in.SimulateMint.Err.Error()
	} else if in.SimulateApprove.Err != nil {
		v.Detail = in.SimulateApprove.Err.Error()
	}
	return v
}

func firstError(in Inputs) error {
	for _, err := range []error{
		errOf(in.NativeBalance.Status, in.NativeBalance.Err),
		errOf(in.MintPrice.Status, in.MintPrice.Err),
		errOf(in.Token.Status, in.Token.Err),
		errOf(in.TokenBalance.Status, in.TokenBalance.Err),
		errOf(in.GasPrice.Status, in.GasPrice.Err),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

func errOf(status query.Status, err error) error {
	if status != query.StatusError {
		return nil
	}
	if err == nil {
		return fmt.Errorf("query failed")
	}
	return err
}

func amount(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
