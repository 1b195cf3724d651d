// Package minter drives the approve-then-mint flow: it reads chain state,
// decides which single action to offer, submits it and reacts to confirmations.
package minter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"hellopyusd/internal/chain"
	"hellopyusd/internal/config"
	"hellopyusd/internal/format"
	"hellopyusd/internal/notify"
	"hellopyusd/internal/observer"
	"hellopyusd/internal/query"
)

var (
	ErrNotConnected      = errors.New("wallet not connected")
	ErrActionUnavailable = errors.New("no action available")
	ErrNotOwner          = errors.New("connected account is not the contract owner")
)

// AddressBook resolves the contracts deployed on a chain.
type AddressBook interface {
	Resolve(chainID uint64) (config.Addresses, error)
}

// Metrics records orchestrator outcomes.
type Metrics interface {
	ObserveView(kind Kind)
	IncSubmission(action, status string)
	IncConfirmation(action, status string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveView(Kind)                {}
func (nopMetrics) IncSubmission(string, string)   {}
func (nopMetrics) IncConfirmation(string, string) {}

type Config struct {
	Gas     GasRequirements
	Logger  zerolog.Logger
	Metrics Metrics
}

// Status is the lifecycle of a write or of its receipt.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

type action string

const (
	actionApprove  action = "approve"
	actionMint     action = "mint"
	actionWithdraw action = "withdraw"
)

var actions = []action{actionApprove, actionMint, actionWithdraw}

type tracker struct {
	write   Status
	receipt Status
	hash    common.Hash
	err     error
	seq     uint64
}

func (t *tracker) progress() TxProgress {
	return TxProgress{
		Writing:    t.write == StatusPending,
		Confirming: t.receipt == StatusPending,
	}
}

func (t *tracker) state() TxState {
	s := TxState{Write: t.write, Receipt: t.receipt}
	if t.hash != (common.Hash{}) {
		s.Hash = t.hash.Hex()
	}
	if t.err != nil {
		s.Error = t.err.Error()
	}
	return s
}

type watchers struct {
	writeSuccess   *observer.Change[Status]
	receiptSuccess *observer.Change[Status]
	receiptError   *observer.Change[Status]
}

// TxState is the externally visible state of one action's latest transaction.
type TxState struct {
	Write   Status `json:"write"`
	Receipt Status `json:"receipt"`
	Hash    string `json:"hash,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Transactions struct {
	Approve  TxState `json:"approve"`
	Mint     TxState `json:"mint"`
	Withdraw TxState `json:"withdraw"`
}

// Orchestrator evaluates the mint view and runs its actions. It is safe for
// concurrent use.
type Orchestrator struct {
	chain    chain.Client
	book     AddressBook
	cache    *query.Client
	notifier notify.Notifier
	gas      GasRequirements
	logger   zerolog.Logger
	metrics  Metrics

	// actMu serialises decisions that submit transactions.
	actMu sync.Mutex

	mu    sync.Mutex
	txs   map[action]*tracker
	watch map[action]*watchers

	// lifeMu orders wg.Add against Close.
	lifeMu sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New fails fast when the connected chain has no deployment.
func New(client chain.Client, book AddressBook, cache *query.Client, notifier notify.Notifier, cfg Config) (*Orchestrator, error) {
	if _, err := book.Resolve(client.ChainID()); err != nil {
		return nil, err
	}
	if cfg.Gas.Approval == 0 {
		cfg.Gas.Approval = DefaultApprovalGas
	}
	if cfg.Gas.Mint == 0 {
		cfg.Gas.Mint = DefaultMintGas
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		chain:    client,
		book:     book,
		cache:    cache,
		notifier: notifier,
		gas:      cfg.Gas,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		txs:      make(map[action]*tracker, len(actions)),
		watch:    make(map[action]*watchers, len(actions)),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, a := range actions {
		o.txs[a] = &tracker{write: StatusIdle, receipt: StatusIdle}
		o.watch[a] = &watchers{
			writeSuccess:   observer.NewChange(StatusSuccess),
			receiptSuccess: observer.NewChange(StatusSuccess),
			receiptError:   observer.NewChange(StatusError),
		}
	}
	return o, nil
}

// Close stops tracking submitted transactions and waits for pending effects.
func (o *Orchestrator) Close() {
	o.lifeMu.Lock()
	o.closed = true
	o.cancel()
	o.lifeMu.Unlock()
	o.wg.Wait()
}

// spawn runs fn in a tracked goroutine unless the orchestrator is closed.
func (o *Orchestrator) spawn(fn func()) bool {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()
	if o.closed {
		return false
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn()
	}()
	return true
}

// session resolves the connected account and its chain's contracts.
func (o *Orchestrator) session() (config.Addresses, common.Address, bool, error) {
	addrs, err := o.book.Resolve(o.chain.ChainID())
	if err != nil {
		return config.Addresses{}, common.Address{}, false, err
	}
	account, connected := o.chain.Account()
	return addrs, account, connected, nil
}

// Evaluate reads the current state and decides the view. It does not block on
// slow reads longer than the cache's wait bound; those render as loading.
func (o *Orchestrator) Evaluate(ctx context.Context) (View, error) {
	o.observe()
	in, err := o.inputs(ctx)
	if err != nil {
		return View{}, err
	}
	v := Decide(in)
	o.metrics.ObserveView(v.Kind)
	return v, nil
}

func (o *Orchestrator) inputs(ctx context.Context) (Inputs, error) {
	addrs, account, connected, err := o.session()
	if err != nil {
		return Inputs{}, err
	}
	in := Inputs{
		Connected:    connected,
		NativeSymbol: addrs.NativeSymbol,
		NFTSymbol:    addrs.NFTSymbol,
		Gas:          o.gas,
	}
	if !connected {
		return in, nil
	}

	o.mu.Lock()
	in.MintTx = o.txs[actionMint].progress()
	in.ApproveTx = o.txs[actionApprove].progress()
	o.mu.Unlock()

	var g errgroup.Group
	g.Go(func() error {
		in.NativeBalance = o.nativeBalance(ctx, account)
		return nil
	})
	g.Go(func() error {
		in.GasPrice = o.gasPrice(ctx)
		return nil
	})
	g.Go(func() error {
		in.Token = o.token(ctx, addrs)
		return nil
	})
	g.Go(func() error {
		in.TokenBalance = o.tokenBalance(ctx, addrs, account)
		return nil
	})
	g.Go(func() error {
		in.SimulateMint = o.simulateMint(ctx, addrs, account)
		return nil
	})
	g.Go(func() error {
		in.MintPrice = o.mintPrice(ctx, addrs)
		in.SimulateApprove = o.simulateApprove(ctx, addrs, account, in.MintPrice)
		return nil
	})
	_ = g.Wait()
	return in, nil
}

// Act performs the action the current view offers.
func (o *Orchestrator) Act(ctx context.Context) (View, error) {
	o.actMu.Lock()
	defer o.actMu.Unlock()

	v, err := o.Evaluate(ctx)
	if err != nil {
		return View{}, err
	}
	switch v.Kind {
	case KindConnect:
		return v, ErrNotConnected
	case KindMint:
		o.submit(actionMint, *v.Request)
	case KindApprove:
		o.submit(actionApprove, *v.Request)
	default:
		return v, fmt.Errorf("%s: %w", v.Label, ErrActionUnavailable)
	}
	return v, nil
}

// Transactions snapshots the latest transaction of each action.
func (o *Orchestrator) Transactions() Transactions {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Transactions{
		Approve:  o.txs[actionApprove].state(),
		Mint:     o.txs[actionMint].state(),
		Withdraw: o.txs[actionWithdraw].state(),
	}
}

// submit marks a as writing before returning, so a following evaluation already
// sees it in flight. The write and receipt wait continue in the background.
func (o *Orchestrator) submit(a action, req chain.Request) {
	o.mu.Lock()
	t := o.txs[a]
	t.seq++
	seq := t.seq
	t.write, t.receipt = StatusPending, StatusIdle
	t.hash, t.err = common.Hash{}, nil
	o.mu.Unlock()
	o.observe()

	if !o.spawn(func() { o.track(a, seq, req) }) {
		o.update(a, seq, func(t *tracker) {
			t.write, t.err = StatusError, context.Canceled
		})
	}
}

func (o *Orchestrator) track(a action, seq uint64, req chain.Request) {
	var hash common.Hash
	err := o.notifier.Promise(notify.PromiseMessages{
		Loading:     "Submitting txn...",
		Success:     "Txn submitted...",
		Error:       "Canceled",
		SuccessIcon: "🚀",
		ErrorIcon:   "❌",
	}, func() error {
		var err error
		hash, err = o.chain.WriteContract(o.ctx, req)
		return err
	})

	if !o.update(a, seq, func(t *tracker) {
		if err != nil {
			t.write, t.err = StatusError, err
			return
		}
		t.write, t.receipt, t.hash = StatusSuccess, StatusPending, hash
	}) {
		return
	}
	if err != nil {
		o.metrics.IncSubmission(string(a), "rejected")
		o.logger.Warn().Err(err).Str("action", string(a)).Msg("transaction not submitted")
		return
	}
	o.metrics.IncSubmission(string(a), "submitted")
	o.logger.Info().Str("action", string(a)).Str("tx", hash.Hex()).Msg("transaction submitted")

	_, err = o.chain.WaitForReceipt(o.ctx, hash)
	o.update(a, seq, func(t *tracker) {
		if err != nil {
			t.receipt, t.err = StatusError, err
			return
		}
		t.receipt = StatusSuccess
	})
}

// update applies fn to a's tracker unless a newer submission replaced it, then
// runs the observers.
func (o *Orchestrator) update(a action, seq uint64, fn func(*tracker)) bool {
	o.mu.Lock()
	t := o.txs[a]
	if t.seq != seq {
		o.mu.Unlock()
		return false
	}
	fn(t)
	o.mu.Unlock()
	o.observe()
	return true
}

// observe feeds the current statuses to the change observers and runs the
// effects of every transition, each exactly once.
func (o *Orchestrator) observe() {
	var effects []func()

	o.mu.Lock()
	mintSeq := o.txs[actionMint].seq
	for _, a := range actions {
		t, w := o.txs[a], o.watch[a]
		hash := t.hash
		if w.writeSuccess.Observe(t.write) && a == actionWithdraw {
			effects = append(effects, o.withdrawSubmitted)
		}
		if w.receiptSuccess.Observe(t.receipt) {
			switch a {
			case actionApprove:
				effects = append(effects, func() { o.approvalConfirmed(hash, mintSeq) })
			case actionMint:
				effects = append(effects, func() { o.mintConfirmed(hash) })
			case actionWithdraw:
				effects = append(effects, func() { o.withdrawConfirmed(hash) })
			}
		}
		if w.receiptError.Observe(t.receipt) {
			effects = append(effects, func() { o.failed(a) })
		}
	}
	o.mu.Unlock()

	for _, fn := range effects {
		o.spawn(fn)
	}
}

// approvalConfirmed refreshes allowance state and chains straight into the
// mint when the new simulation passes.
func (o *Orchestrator) approvalConfirmed(hash common.Hash, mintSeq uint64) {
	o.metrics.IncConfirmation(string(actionApprove), "success")
	addrs, account, connected, err := o.session()
	if err != nil {
		o.logger.Error().Err(err).Msg("resolve contracts after approval")
		return
	}

	o.cache.Reset(query.NewKey(addrs.PaymentToken.Hex(), fnSimulateApprove))
	o.cache.Reset(query.NewKey(addrs.PaymentToken.Hex(), fnAllowance))

	symbol := "Token"
	if token, ok := query.Peek[Token](o.cache, query.NewKey(addrs.PaymentToken.Hex(), fnToken)); ok && token.IsSuccess() {
		symbol = token.Data.Symbol
	}
	o.notifier.Dismiss()
	o.notifier.Success(symbol + " approved: " + format.ShortHash(hash))

	if !connected {
		return
	}

	o.actMu.Lock()
	defer o.actMu.Unlock()

	o.mu.Lock()
	replaced := o.txs[actionMint].seq != mintSeq
	o.mu.Unlock()
	if replaced {
		o.logger.Debug().Msg("mint already submitted after approval")
		return
	}

	// a simulation started before the approval was mined must not be reused
	o.cache.Reset(o.simulateMintKey(addrs, account))
	res := o.refetchSimulateMint(o.ctx, addrs, account)
	if !res.IsSuccess() {
		err := res.Err
		if err == nil {
			err = context.Canceled
		}
		o.logger.Warn().Err(err).Msg("mint simulation failed after approval")
		o.abandon(actionMint, fmt.Errorf("mint after approval: %w", err))
		return
	}
	o.submit(actionMint, res.Data)
}

// abandon records that a's next transaction will not be written, so callers
// waiting on it stop.
func (o *Orchestrator) abandon(a action, err error) {
	o.mu.Lock()
	t := o.txs[a]
	t.seq++
	t.write, t.receipt = StatusError, StatusIdle
	t.hash, t.err = common.Hash{}, err
	o.mu.Unlock()
	o.observe()
}

func (o *Orchestrator) mintConfirmed(hash common.Hash) {
	o.metrics.IncConfirmation(string(actionMint), "success")
	addrs, _, _, err := o.session()
	if err != nil {
		o.logger.Error().Err(err).Msg("resolve contracts after mint")
		return
	}

	for _, key := range []query.Key{
		query.NewKey(addrs.HelloPyusd.Hex(), fnSimulateMint),
		query.NewKey(addrs.PaymentToken.Hex(), fnSimulateApprove),
		query.NewKey(addrs.PaymentToken.Hex(), fnBalanceOf),
		query.NewKey(addrs.PaymentToken.Hex(), fnAllowance),
		query.NewKey(addrs.HelloPyusd.Hex(), fnTotalIssued),
		query.NewKey(nativeScope, fnNativeBalance),
	} {
		o.cache.Reset(key)
	}

	o.notifier.Dismiss()
	o.notifier.Success("Mint success: " + format.ShortHash(hash))
}

func (o *Orchestrator) failed(a action) {
	o.metrics.IncConfirmation(string(a), "failed")
	o.mu.Lock()
	err := o.txs[a].err
	o.mu.Unlock()
	o.logger.Warn().Err(err).Str("action", string(a)).Msg("transaction failed")

	o.notifier.Dismiss()
	o.notifier.Error("Transaction failed")
}
