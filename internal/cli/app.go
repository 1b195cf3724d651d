package cli

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"hellopyusd/internal/chain"
	"hellopyusd/internal/minter"
	"hellopyusd/internal/notify"
	"hellopyusd/internal/query"
)

// devAccount owns the dev deployment so every command can be tried locally.
var devAccount = common.HexToAddress("0x00000000000000000000000000000000000De001")

// app is the wired orchestrator and its collaborators.
type app struct {
	chain   chain.Client
	health  chain.HealthChecker
	cache   *query.Client
	feed    *notify.Feed
	orch    *minter.Orchestrator
	closers []func()
}

func newApp(ctx context.Context, metrics minter.Metrics) (*app, error) {
	a := &app{}

	if flags.dev {
		devCtx, cancel := context.WithCancel(ctx)
		fake, err := newDevChain(devCtx)
		if err != nil {
			cancel()
			return nil, err
		}
		a.closers = append(a.closers, cancel)
		a.chain, a.health = fake, fake
	} else {
		eth, err := chain.NewEthClient(ctx, chain.EthClientConfig{
			RPCURL:        cfg.Chain.RPCURL,
			PrivateKeyHex: cfg.Chain.PrivateKey,
			ReceiptPoll:   cfg.Chain.ReceiptPoll,
		})
		if err != nil {
			return nil, fmt.Errorf("chain client: %w", err)
		}
		a.chain, a.health = eth, eth
		a.closers = append(a.closers, eth.Close)
	}

	a.cache = query.NewClient(query.Config{
		StaleTime:    cfg.Mint.StaleTime,
		Wait:         cfg.Mint.RenderTimeout,
		FetchTimeout: cfg.Mint.RPCTimeout,
	})
	a.closers = append(a.closers, a.cache.Close)
	a.feed = notify.NewFeed(notify.WithLogger(logger.With().Str("component", "notify").Logger()))

	orch, err := minter.New(a.chain, cfg.Registry, a.cache, a.feed, minter.Config{
		Gas: minter.GasRequirements{
			Approval: cfg.Mint.ApprovalGas,
			Mint:     cfg.Mint.MintGas,
		},
		Logger:  logger.With().Str("component", "minter").Logger(),
		Metrics: metrics,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.orch = orch
	return a, nil
}

// newDevChain deploys the registry's contracts for the dev chain id in memory
// and mines a block every DevBlockTime until ctx is done.
func newDevChain(ctx context.Context) (*chain.FakeChain, error) {
	addrs, err := cfg.Registry.Resolve(cfg.Chain.DevChainID)
	if err != nil {
		return nil, err
	}
	fake := chain.NewFakeChain(chain.FakeConfig{
		ChainID:   addrs.ChainID,
		Account:   devAccount,
		Connected: true,
		Token:     addrs.PaymentToken,
		NFT:       addrs.HelloPyusd,
		Owner:     devAccount,
		Decimals:  6,
		Name:      "PayPal USD",
		Symbol:    "PYUSD",
		MintPrice: big.NewInt(1_000_000),
		GasPrice:  big.NewInt(1_000_000_000),
	})
	fake.SetNativeBalance(devAccount, new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	fake.SetTokenBalance(devAccount, big.NewInt(100_000_000))
	blockTime := cfg.Chain.DevBlockTime
	if blockTime <= 0 {
		blockTime = 2 * time.Second
	}
	go fake.Run(ctx, blockTime)

	logger.Info().
		Str("account", devAccount.Hex()).
		Uint64("chain_id", addrs.ChainID).
		Msg("using in-memory dev chain")
	return fake, nil
}

func (a *app) Close() {
	if a.orch != nil {
		a.orch.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
