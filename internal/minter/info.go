package minter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"hellopyusd/internal/format"
)

const loadingText = "Loading..."

var ErrLoading = errors.New("still loading")

// MintInfo is the price and supply summary shown next to the mint button.
type MintInfo struct {
	Symbol      string `json:"symbol"`
	Price       string `json:"price"`
	TotalMinted string `json:"totalMinted"`
	Connected   bool   `json:"connected"`
	Balance     string `json:"balance,omitempty"`
	Allowance   string `json:"allowance,omitempty"`
}

// Metadata is the decoded tokenURI document.
type Metadata struct {
	Name  string `json:"name"`
	Image string `json:"image"`
}

// Info reports the mint price and total minted. Values that are not loaded yet
// render as "Loading...".
func (o *Orchestrator) Info(ctx context.Context) (MintInfo, error) {
	addrs, account, connected, err := o.session()
	if err != nil {
		return MintInfo{}, err
	}

	token := o.token(ctx, addrs)
	price := o.mintPrice(ctx, addrs)
	issued := o.totalIssued(ctx, addrs)

	info := MintInfo{
		Symbol:      loadingText,
		Price:       loadingText,
		TotalMinted: loadingText,
		Connected:   connected,
	}
	if token.IsSuccess() {
		info.Symbol = token.Data.Symbol
		if price.IsSuccess() {
			info.Price = format.Units(price.Data, token.Data.Decimals)
		}
	}
	if issued.IsSuccess() {
		info.TotalMinted = issued.Data.String()
	}
	for _, err := range []error{token.Err, price.Err, issued.Err} {
		if err != nil {
			return info, err
		}
	}

	if connected && token.IsSuccess() {
		if bal := o.tokenBalance(ctx, addrs, account); bal.IsSuccess() {
			info.Balance = format.Units(bal.Data, token.Data.Decimals)
		}
		if allowance := o.allowance(ctx, addrs, account); allowance.IsSuccess() {
			info.Allowance = format.Units(allowance.Data, token.Data.Decimals)
		}
	}
	return info, nil
}

// Metadata reads and decodes the tokenURI of id.
func (o *Orchestrator) Metadata(ctx context.Context, id *big.Int) (Metadata, error) {
	if id == nil || id.Sign() <= 0 {
		return Metadata{}, fmt.Errorf("invalid token id %v", id)
	}
	addrs, _, _, err := o.session()
	if err != nil {
		return Metadata{}, err
	}
	res := o.tokenURI(ctx, addrs, id)
	switch {
	case res.IsError():
		return Metadata{}, res.Err
	case res.IsPending():
		return Metadata{}, ErrLoading
	}
	return res.Data, nil
}

// Preview is the artwork of the token the next mint will issue.
type Preview struct {
	TokenID string `json:"tokenId"`
	Metadata
}

// Preview reads totalIssued and renders tokenURI(totalIssued+1). It returns
// ErrLoading until both reads have resolved.
func (o *Orchestrator) Preview(ctx context.Context) (Preview, error) {
	addrs, _, _, err := o.session()
	if err != nil {
		return Preview{}, err
	}
	issued := o.totalIssued(ctx, addrs)
	switch {
	case issued.IsError():
		return Preview{}, issued.Err
	case !issued.IsSuccess():
		return Preview{}, ErrLoading
	}

	next := new(big.Int).Add(issued.Data, big.NewInt(1))
	res := o.tokenURI(ctx, addrs, next)
	switch {
	case res.IsError():
		return Preview{}, res.Err
	case !res.IsSuccess():
		return Preview{}, ErrLoading
	}
	return Preview{TokenID: next.String(), Metadata: res.Data}, nil
}

// DecodeTokenURI parses an inline "data:application/json;base64,..." URI.
func DecodeTokenURI(uri string) (Metadata, error) {
	_, payload, ok := strings.Cut(uri, ",")
	if !ok {
		return Metadata{}, fmt.Errorf("token uri is not a data uri")
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Metadata{}, fmt.Errorf("decode token uri: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("parse token metadata: %w", err)
	}
	return meta, nil
}
