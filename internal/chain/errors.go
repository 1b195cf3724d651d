package chain

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"hellopyusd/internal/contracts"
)

// ErrorCode classifies why a simulated call would revert.
type ErrorCode string

const (
	CodeUnknown               ErrorCode = "unknown"
	CodeInsufficientAllowance ErrorCode = "insufficient_allowance"
	CodeInsufficientBalance   ErrorCode = "insufficient_balance"
	CodeUnauthorized          ErrorCode = "unauthorized"
)

var (
	ErrNoSigner   = errors.New("no signer configured")
	ErrTxReverted = errors.New("transaction reverted")
)

// SimulationError is returned by SimulateContract when the call would revert.
type SimulationError struct {
	Method string
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *SimulationError) Error() string {
	return fmt.Sprintf("simulate %s: %s", e.Method, e.Reason)
}

func (e *SimulationError) Unwrap() error {
	return e.Err
}

// IsInsufficientAllowance reports whether err is a simulation revert caused by a
// missing ERC-20 approval. Every allowance check goes through here.
func IsInsufficientAllowance(err error) bool {
	var simErr *SimulationError
	if !errors.As(err, &simErr) {
		return false
	}
	if simErr.Code == CodeInsufficientAllowance {
		return true
	}
	return strings.Contains(strings.ToLower(simErr.Reason), "insufficient allowance")
}

// ClassifySimulationError turns an eth_call / estimateGas failure into a
// *SimulationError, decoding revert data when the node returned any.
func ClassifySimulationError(method string, err error) *SimulationError {
	simErr := &SimulationError{
		Method: method,
		Code:   CodeUnknown,
		Reason: err.Error(),
		Err:    err,
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if data, ok := revertData(dataErr.ErrorData()); ok {
			if code, reason, ok := decodeRevert(data); ok {
				simErr.Code = code
				simErr.Reason = reason
			}
		}
	}
	if simErr.Code == CodeUnknown {
		simErr.Code = codeFromReason(simErr.Reason)
	}
	return simErr
}

func revertData(v interface{}) ([]byte, bool) {
	switch data := v.(type) {
	case string:
		decoded, err := hexutil.Decode(data)
		if err != nil {
			return nil, false
		}
		return decoded, true
	case []byte:
		return data, true
	}
	return nil, false
}

func decodeRevert(data []byte) (ErrorCode, string, bool) {
	if len(data) < 4 {
		return CodeUnknown, "", false
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return codeFromReason(reason), reason, true
	}
	for _, parsed := range []abi.ABI{contracts.ERC20, contracts.HelloPyusd} {
		for name, customErr := range parsed.Errors {
			if !bytes.Equal(customErr.ID[:4], data[:4]) {
				continue
			}
			return codeFromCustomError(name), describeCustomError(customErr, data[4:]), true
		}
	}
	return CodeUnknown, "", false
}

func describeCustomError(customErr abi.Error, payload []byte) string {
	values, err := customErr.Inputs.Unpack(payload)
	if err != nil || len(values) == 0 {
		return customErr.Name
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(v)
	}
	return customErr.Name + "(" + strings.Join(parts, ", ") + ")"
}

func codeFromCustomError(name string) ErrorCode {
	switch name {
	case "ERC20InsufficientAllowance":
		return CodeInsufficientAllowance
	case "ERC20InsufficientBalance":
		return CodeInsufficientBalance
	case "OwnableUnauthorizedAccount":
		return CodeUnauthorized
	}
	return CodeUnknown
}

func codeFromReason(reason string) ErrorCode {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "insufficient allowance"):
		return CodeInsufficientAllowance
	case strings.Contains(lower, "exceeds balance"), strings.Contains(lower, "insufficient balance"):
		return CodeInsufficientBalance
	case strings.Contains(lower, "not the owner"), strings.Contains(lower, "unauthorized"):
		return CodeUnauthorized
	}
	return CodeUnknown
}
