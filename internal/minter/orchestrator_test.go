package minter

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/zeebo/assert"

	"hellopyusd/internal/chain"
	"hellopyusd/internal/config"
	"hellopyusd/internal/notify"
	"hellopyusd/internal/query"
)

var (
	testAccount = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testToken   = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	testNFT     = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	testOwner   = common.HexToAddress("0x00000000000000000000000000000000000000dd")
)

// recorder keeps every notification in order, including dismissed ones.
type recorder struct {
	mu       sync.Mutex
	messages []string
}

func (r *recorder) add(msg string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return uint64(len(r.messages))
}

func (r *recorder) Loading(msg string) uint64 { return r.add(msg) }
func (r *recorder) Success(msg string) uint64 { return r.add(msg) }
func (r *recorder) Error(msg string) uint64   { return r.add(msg) }
func (r *recorder) Dismiss()                  {}

func (r *recorder) Promise(msgs notify.PromiseMessages, fn func() error) error {
	r.add(msgs.Loading)
	err := fn()
	if err != nil {
		r.add(msgs.Error)
		return err
	}
	r.add(msgs.Success)
	return nil
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

func (r *recorder) has(prefix string) bool {
	for _, msg := range r.all() {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return false
}

// countingChain counts every remote read or simulation.
type countingChain struct {
	*chain.FakeChain
	calls atomic.Int64
}

func (c *countingChain) ReadContract(ctx context.Context, call chain.Call) ([]interface{}, error) {
	c.calls.Add(1)
	return c.FakeChain.ReadContract(ctx, call)
}

func (c *countingChain) SimulateContract(ctx context.Context, from common.Address, call chain.Call) (chain.Request, error) {
	c.calls.Add(1)
	return c.FakeChain.SimulateContract(ctx, from, call)
}

func (c *countingChain) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	c.calls.Add(1)
	return c.FakeChain.BalanceAt(ctx, account)
}

func (c *countingChain) GasPrice(ctx context.Context) (*big.Int, error) {
	c.calls.Add(1)
	return c.FakeChain.GasPrice(ctx)
}

func testRegistry() config.Registry {
	return config.Registry{Deployments: []config.Deployment{{
		ChainID:      config.ChainLocalhost,
		Name:         "localhost",
		PaymentToken: testToken.Hex(),
		HelloPyusd:   testNFT.Hex(),
	}}}
}

func newTestFake(owner common.Address) *chain.FakeChain {
	fake := chain.NewFakeChain(chain.FakeConfig{
		ChainID:   config.ChainLocalhost,
		Account:   testAccount,
		Connected: true,
		Token:     testToken,
		NFT:       testNFT,
		Owner:     owner,
		Decimals:  6,
		Name:      "PayPal USD",
		Symbol:    "PYUSD",
		MintPrice: big.NewInt(1_000_000),
		GasPrice:  big.NewInt(10),
	})
	fake.SetNativeBalance(testAccount, big.NewInt(1_000_000_000_000))
	fake.SetTokenBalance(testAccount, big.NewInt(5_000_000))
	return fake
}

type harness struct {
	fake  *chain.FakeChain
	orch  *Orchestrator
	notes *recorder
	cache *query.Client
}

func newHarness(t *testing.T, client chain.Client, fake *chain.FakeChain) *harness {
	t.Helper()
	cache := query.NewClient(query.Config{StaleTime: time.Hour, Wait: time.Second})
	notes := &recorder{}
	orch, err := New(client, testRegistry(), cache, notes, Config{
		Gas:    GasRequirements{Approval: 100000, Mint: 150000},
		Logger: zerolog.Nop(),
	})
	assert.NoError(t, err)
	t.Cleanup(func() {
		orch.Close()
		cache.Close()
	})
	return &harness{fake: fake, orch: orch, notes: notes, cache: cache}
}

func newFakeHarness(t *testing.T) *harness {
	fake := newTestFake(testOwner)
	return newHarness(t, fake, fake)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewRejectsUnsupportedChain(t *testing.T) {
	fake := newTestFake(testOwner)
	registry := config.Registry{Deployments: []config.Deployment{{ChainID: config.ChainSepolia, PaymentToken: testToken.Hex(), HelloPyusd: testNFT.Hex()}}}

	_, err := New(fake, registry, query.NewClient(query.Config{}), &recorder{}, Config{})
	assert.True(t, errors.Is(err, config.ErrUnsupportedChain))
}

func TestDisconnectedMakesNoContractCalls(t *testing.T) {
	fake := newTestFake(testOwner)
	fake.Disconnect()
	counting := &countingChain{FakeChain: fake}
	h := newHarness(t, counting, fake)
	ctx := context.Background()

	v, err := h.orch.Evaluate(ctx)
	assert.NoError(t, err)
	assert.Equal(t, v.Kind, KindConnect)

	v, err = h.orch.Act(ctx)
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.Equal(t, v.Kind, KindConnect)

	assert.Equal(t, counting.calls.Load(), int64(0))
	assert.Equal(t, len(fake.Writes()), 0)
}

func TestActSubmitsSimulatedMintRequest(t *testing.T) {
	h := newFakeHarness(t)
	h.fake.SetAllowance(testAccount, testNFT, big.NewInt(1_000_000))
	ctx := context.Background()

	v, err := h.orch.Evaluate(ctx)
	assert.NoError(t, err)
	assert.Equal(t, v.Kind, KindMint)
	assert.Equal(t, v.Label, "Mint HIPYUSD")

	acted, err := h.orch.Act(ctx)
	assert.NoError(t, err)
	assert.Equal(t, acted.Kind, KindMint)

	eventually(t, "mint write", func() bool { return len(h.fake.Writes()) == 1 })
	writes := h.fake.Writes()
	assert.Equal(t, writes[0].Method, "mint")
	assert.DeepEqual(t, writes[0], *v.Request)
}

func TestInsufficientAllowanceRendersApprove(t *testing.T) {
	h := newFakeHarness(t)
	ctx := context.Background()

	v, err := h.orch.Evaluate(ctx)
	assert.NoError(t, err)
	assert.Equal(t, v.Kind, KindApprove)
	assert.Equal(t, v.Label, "Mint")

	_, err = h.orch.Act(ctx)
	assert.NoError(t, err)
	eventually(t, "approve write", func() bool { return len(h.fake.Writes()) == 1 })
	assert.Equal(t, h.fake.Writes()[0].Method, "approve")
	assert.Equal(t, h.fake.Writes()[0].To, testToken)
}

func TestApprovalConfirmationChainsMintOnce(t *testing.T) {
	h := newFakeHarness(t)
	ctx := context.Background()

	_, err := h.orch.Act(ctx)
	assert.NoError(t, err)
	eventually(t, "approve pending", func() bool { return h.fake.Pending() == 1 })

	v, err := h.orch.Evaluate(ctx)
	assert.NoError(t, err)
	assert.Equal(t, v.Kind, KindApproving)

	h.fake.Mine()
	eventually(t, "chained mint", func() bool { return len(h.fake.Writes()) == 2 })
	assert.Equal(t, h.fake.Writes()[1].Method, "mint")

	for i := 0; i < 5; i++ {
		v, err = h.orch.Evaluate(ctx)
		assert.NoError(t, err)
		assert.Equal(t, v.Kind, KindMinting)
	}
	assert.Equal(t, len(h.fake.Writes()), 2)

	h.fake.Mine()
	eventually(t, "mint receipt", func() bool {
		return h.orch.Transactions().Mint.Receipt == StatusSuccess
	})
	eventually(t, "mint notification", func() bool { return h.notes.has("Mint success: 0x") })
	assert.Equal(t, h.fake.Issued(), int64(1))
	assert.True(t, h.notes.has("PYUSD approved: 0x"))

	for i := 0; i < 3; i++ {
		_, err = h.orch.Evaluate(ctx)
		assert.NoError(t, err)
	}
	assert.Equal(t, len(h.fake.Writes()), 2)
}

func TestFailedMintAfterApprovalIsReported(t *testing.T) {
	h := newFakeHarness(t)
	ctx := context.Background()

	_, err := h.orch.Act(ctx)
	assert.NoError(t, err)
	eventually(t, "approve pending", func() bool { return h.fake.Pending() == 1 })

	h.fake.FailSimulate("mint", errors.New("execution reverted: paused"))
	h.fake.Mine()

	eventually(t, "abandoned mint", func() bool {
		return h.orch.Transactions().Mint.Write == StatusError
	})
	state := h.orch.Transactions().Mint
	assert.True(t, strings.Contains(state.Error, "paused"))
	assert.Equal(t, state.Receipt, StatusIdle)
	assert.Equal(t, len(h.fake.Writes()), 1)
	assert.False(t, h.notes.has("Transaction failed"))
}

func TestSecondActWhileMintInFlight(t *testing.T) {
	h := newFakeHarness(t)
	h.fake.SetAllowance(testAccount, testNFT, big.NewInt(1_000_000))
	ctx := context.Background()

	_, err := h.orch.Act(ctx)
	assert.NoError(t, err)

	v, err := h.orch.Act(ctx)
	assert.True(t, errors.Is(err, ErrActionUnavailable))
	assert.Equal(t, v.Kind, KindMinting)

	eventually(t, "mint write", func() bool { return h.fake.Pending() == 1 })
	assert.Equal(t, len(h.fake.Writes()), 1)
}

func TestRejectedWriteIsCanceled(t *testing.T) {
	h := newFakeHarness(t)
	h.fake.SetAllowance(testAccount, testNFT, big.NewInt(1_000_000))
	h.fake.FailWrite(errors.New("user rejected the request"))
	ctx := context.Background()

	_, err := h.orch.Act(ctx)
	assert.NoError(t, err)
	eventually(t, "write error", func() bool { return h.orch.Transactions().Mint.Write == StatusError })

	assert.DeepEqual(t, h.notes.all(), []string{"Submitting txn...", "Canceled"})
	assert.Equal(t, h.orch.Transactions().Mint.Receipt, StatusIdle)

	// no automatic retry; the next click submits again
	h.fake.FailWrite(nil)
	v, err := h.orch.Act(ctx)
	assert.NoError(t, err)
	assert.Equal(t, v.Kind, KindMint)
	eventually(t, "retried write", func() bool { return len(h.fake.Writes()) == 1 })
}

func TestRevertedMintNotifiesFailure(t *testing.T) {
	h := newFakeHarness(t)
	h.fake.SetAllowance(testAccount, testNFT, big.NewInt(1_000_000))
	ctx := context.Background()

	_, err := h.orch.Act(ctx)
	assert.NoError(t, err)
	eventually(t, "mint pending", func() bool { return h.fake.Pending() == 1 })

	h.fake.SetTokenBalance(testAccount, big.NewInt(0))
	h.fake.Mine()

	eventually(t, "failure notification", func() bool { return h.notes.has("Transaction failed") })
	state := h.orch.Transactions().Mint
	assert.Equal(t, state.Receipt, StatusError)
	assert.True(t, strings.Contains(state.Error, "reverted"))
	assert.False(t, h.notes.has("Mint success"))
}

func TestReadErrorRendersInline(t *testing.T) {
	h := newFakeHarness(t)
	h.fake.FailRead("mintPrice", errors.New("rpc unavailable"))

	v, err := h.orch.Evaluate(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, v.Kind, KindError)
	assert.True(t, strings.Contains(v.Detail, "rpc unavailable"))
}

func TestInsufficientBalances(t *testing.T) {
	h := newFakeHarness(t)
	h.fake.SetTokenBalance(testAccount, big.NewInt(999_999))

	v, err := h.orch.Evaluate(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, v.Kind, KindInsufficientBalance)
	assert.Equal(t, v.Label, "Insufficient PYUSD")

	low := newFakeHarness(t)
	low.fake.SetNativeBalance(testAccount, big.NewInt(2_499_999))
	v, err = low.orch.Evaluate(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, v.Kind, KindInsufficientGas)
}

// slowChain blocks contract reads until released.
type slowChain struct {
	*chain.FakeChain
	release chan struct{}
}

func (s *slowChain) ReadContract(ctx context.Context, call chain.Call) ([]interface{}, error) {
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.FakeChain.ReadContract(ctx, call)
}

func TestSlowReadsRenderLoading(t *testing.T) {
	fake := newTestFake(testOwner)
	slow := &slowChain{FakeChain: fake, release: make(chan struct{})}
	cache := query.NewClient(query.Config{StaleTime: time.Hour, Wait: 20 * time.Millisecond})
	orch, err := New(slow, testRegistry(), cache, &recorder{}, Config{Logger: zerolog.Nop()})
	assert.NoError(t, err)
	t.Cleanup(func() {
		orch.Close()
		cache.Close()
	})

	start := time.Now()
	v, err := orch.Evaluate(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, v.Kind, KindLoading)
	assert.True(t, time.Since(start) < time.Second)

	close(slow.release)
	eventually(t, "loaded view", func() bool {
		v, err := orch.Evaluate(context.Background())
		return err == nil && v.Kind == KindApprove
	})
}

func TestInfoAndMetadata(t *testing.T) {
	h := newFakeHarness(t)
	h.fake.SetAllowance(testAccount, testNFT, big.NewInt(1_000_000))
	ctx := context.Background()

	info, err := h.orch.Info(ctx)
	assert.NoError(t, err)
	assert.Equal(t, info.Symbol, "PYUSD")
	assert.Equal(t, info.Price, "1")
	assert.Equal(t, info.TotalMinted, "0")
	assert.Equal(t, info.Balance, "5")
	assert.Equal(t, info.Allowance, "1")

	_, err = h.orch.Act(ctx)
	assert.NoError(t, err)
	eventually(t, "mint pending", func() bool { return h.fake.Pending() == 1 })
	h.fake.Mine()
	eventually(t, "mint receipt", func() bool { return h.notes.has("Mint success") })

	info, err = h.orch.Info(ctx)
	assert.NoError(t, err)
	assert.Equal(t, info.TotalMinted, "1")
	assert.Equal(t, info.Balance, "4")

	meta, err := h.orch.Metadata(ctx, big.NewInt(1))
	assert.NoError(t, err)
	assert.Equal(t, meta.Name, "Hello PYUSD #1")
	assert.True(t, strings.HasPrefix(meta.Image, "data:image/svg+xml;base64,"))

	_, err = h.orch.Metadata(ctx, big.NewInt(0))
	assert.Error(t, err)
}

func TestPreviewFollowsTotalIssued(t *testing.T) {
	h := newFakeHarness(t)
	h.fake.SetAllowance(testAccount, testNFT, big.NewInt(1_000_000))
	ctx := context.Background()

	preview, err := h.orch.Preview(ctx)
	assert.NoError(t, err)
	assert.Equal(t, preview.TokenID, "1")
	assert.Equal(t, preview.Name, "Hello PYUSD #1")

	_, err = h.orch.Act(ctx)
	assert.NoError(t, err)
	eventually(t, "mint pending", func() bool { return h.fake.Pending() == 1 })
	h.fake.Mine()
	eventually(t, "mint notification", func() bool { return h.notes.has("Mint success") })

	preview, err = h.orch.Preview(ctx)
	assert.NoError(t, err)
	assert.Equal(t, preview.TokenID, "2")
	assert.Equal(t, preview.Name, "Hello PYUSD #2")
	assert.True(t, strings.HasPrefix(preview.Image, "data:image/svg+xml;base64,"))
}

func TestPreviewReportsReadError(t *testing.T) {
	h := newFakeHarness(t)
	h.fake.FailRead("totalIssued", errors.New("rpc unavailable"))

	_, err := h.orch.Preview(context.Background())
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrLoading))
}

func TestDecodeTokenURI(t *testing.T) {
	// {"name":"n","image":"i"}
	meta, err := DecodeTokenURI("data:application/json;base64,eyJuYW1lIjoibiIsImltYWdlIjoiaSJ9")
	assert.NoError(t, err)
	assert.DeepEqual(t, meta, Metadata{Name: "n", Image: "i"})

	_, err = DecodeTokenURI("ipfs://token/1")
	assert.Error(t, err)
}

func TestOwnerWithdraw(t *testing.T) {
	fake := newTestFake(testAccount)
	fake.SetTokenBalance(testNFT, big.NewInt(2_000_000))
	h := newHarness(t, fake, fake)
	ctx := context.Background()

	panel, err := h.orch.OwnerPanel(ctx)
	assert.NoError(t, err)
	assert.True(t, panel.Visible)
	assert.Equal(t, panel.Symbol, "PYUSD")
	assert.Equal(t, panel.Available, "2")
	assert.True(t, panel.CanWithdraw)

	_, err = h.orch.Withdraw(ctx)
	assert.NoError(t, err)
	eventually(t, "withdraw write", func() bool { return fake.Pending() == 1 })
	assert.Equal(t, fake.Writes()[0].Method, "withdrawToken")

	fake.Mine()
	eventually(t, "withdraw receipt", func() bool {
		return h.orch.Transactions().Withdraw.Receipt == StatusSuccess
	})
	assert.Equal(t, fake.TokenBalance(testAccount).Int64(), int64(7_000_000))

	eventually(t, "accrued refreshed", func() bool {
		panel, err := h.orch.OwnerPanel(ctx)
		return err == nil && panel.Available == "0" && !panel.CanWithdraw
	})
}

func TestWithdrawRequiresOwner(t *testing.T) {
	h := newFakeHarness(t)

	panel, err := h.orch.OwnerPanel(context.Background())
	assert.NoError(t, err)
	assert.False(t, panel.Visible)

	_, err = h.orch.Withdraw(context.Background())
	assert.True(t, errors.Is(err, ErrNotOwner))
	assert.Equal(t, len(h.fake.Writes()), 0)
}

func TestOnNewBlockRefreshesGasPrice(t *testing.T) {
	h := newFakeHarness(t)
	ctx := context.Background()

	assert.Equal(t, h.orch.gasPrice(ctx).Data.Int64(), int64(10))
	h.fake.SetGasPrice(big.NewInt(20))
	assert.Equal(t, h.orch.gasPrice(ctx).Data.Int64(), int64(10))

	h.orch.OnNewBlock(1)
	eventually(t, "new gas price", func() bool {
		return h.orch.gasPrice(ctx).Data.Int64() == 20
	})
}

func TestCloseStopsNewWork(t *testing.T) {
	h := newFakeHarness(t)
	h.fake.SetAllowance(testAccount, testNFT, big.NewInt(1_000_000))

	var ran atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.orch.spawn(func() { ran.Add(1) })
		}()
	}
	h.orch.Close()
	wg.Wait()

	before := ran.Load()
	assert.False(t, h.orch.spawn(func() { ran.Add(1) }))
	assert.Equal(t, ran.Load(), before)

	// an action accepted after Close is never written
	_, err := h.orch.Act(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, h.orch.Transactions().Mint.Write, StatusError)
	assert.Equal(t, len(h.fake.Writes()), 0)
}

func TestSubmissionToastCarriesIcons(t *testing.T) {
	fake := newTestFake(testOwner)
	fake.SetAllowance(testAccount, testNFT, big.NewInt(1_000_000))
	cache := query.NewClient(query.Config{StaleTime: time.Hour, Wait: time.Second})
	feed := notify.NewFeed()
	orch, err := New(fake, testRegistry(), cache, feed, Config{Logger: zerolog.Nop()})
	assert.NoError(t, err)
	t.Cleanup(func() {
		orch.Close()
		cache.Close()
	})

	_, err = orch.Act(context.Background())
	assert.NoError(t, err)
	eventually(t, "submitted toast", func() bool {
		for _, toast := range feed.Active() {
			if toast.Message == "Txn submitted..." {
				return toast.Icon == "🚀"
			}
		}
		return false
	})

	fake.FailWrite(errors.New("user rejected the request"))
	fake.Mine()
	eventually(t, "mint success toast", func() bool {
		for _, toast := range feed.Active() {
			if strings.HasPrefix(toast.Message, "Mint success") {
				return true
			}
		}
		return false
	})
	_, err = orch.Act(context.Background())
	assert.NoError(t, err)
	eventually(t, "canceled toast", func() bool {
		for _, toast := range feed.Active() {
			if toast.Message == "Canceled" {
				return toast.Icon == "❌"
			}
		}
		return false
	})
}
