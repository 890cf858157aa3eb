// Package channel drives a single off-chain payment channel through its
// lifecycle and guards the integrity of its spendable balance.
package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/punchamoorthee/channelops/internal/domain"
	"github.com/punchamoorthee/channelops/internal/ledger"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "channelops_channel_transitions_total",
		Help: "Channel status transitions, labeled by target status",
	}, []string{"status"})

	chargesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "channelops_charges_total",
		Help: "Charge attempts against channel balances, labeled by outcome",
	}, []string{"result"})
)

var errReset = fmt.Errorf("%w: channel was reset during the operation", domain.ErrInvalidState)

// Network is the clearing node / chain side of a channel. Every call may block
// on I/O; callers bound it through ctx.
type Network interface {
	Approve(ctx context.Context, wallet string, amount domain.Units) error
	Deposit(ctx context.Context, wallet string, amount domain.Units) (txHash string, err error)
	Connect(ctx context.Context, wallet string) error
	OpenChannel(ctx context.Context, wallet string, amount domain.Units) (channelID string, err error)
	ResumeChannel(ctx context.Context, channelID string) error
	CloseChannel(ctx context.Context, channelID string, finalBalance domain.Units) error
}

// Snapshot is a read-only copy of the channel record.
type Snapshot struct {
	Status        domain.ChannelStatus `json:"status"`
	DepositAmount domain.Units         `json:"deposit_amount"`
	Balance       domain.Units         `json:"balance"`
	ChannelID     string               `json:"channel_id,omitempty"`
	TxHash        string               `json:"tx_hash,omitempty"`
	Error         string               `json:"error,omitempty"`
	IsDeposited   bool                 `json:"is_deposited"`
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithClock overrides the time source used to stamp ledger entries.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithObserver registers a callback invoked after every state change.
// It runs while the manager lock is held and must not call back into the Manager.
func WithObserver(fn func(Snapshot)) Option {
	return func(m *Manager) { m.observer = fn }
}

// Manager owns one channel. All mutation goes through Deposit, CreateChannel,
// ChargeAction, CloseChannel and Reset.
type Manager struct {
	wallet   string
	net      Network
	ledger   *ledger.Ledger
	log      *zap.Logger
	now      func() time.Time
	observer func(Snapshot)

	mu        sync.Mutex
	status    domain.ChannelStatus
	deposit   domain.Units
	balance   domain.Units
	channelID string
	txHash    string
	lastErr   string
	busy      bool
	epoch     uint64
}

func NewManager(wallet string, net Network, l *ledger.Ledger, opts ...Option) *Manager {
	m := &Manager{
		wallet: wallet,
		net:    net,
		ledger: l,
		log:    zap.NewNop(),
		now:    time.Now,
		status: domain.StatusDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Wallet() string {
	return m.wallet
}

// Ledger exposes the action ledger for read access.
func (m *Manager) Ledger() *ledger.Ledger {
	return m.ledger
}

// Snapshot returns the current channel record.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Deposit escrows amount (DefaultDepositAmount when zero) into the channel's
// funding account. A failed deposit leaves balance and deposit untouched.
func (m *Manager) Deposit(ctx context.Context, amount domain.Units) (Snapshot, error) {
	m.mu.Lock()
	if m.busy {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, domain.ErrAlreadyInProgress
	}
	switch m.status {
	case domain.StatusDisconnected, domain.StatusActive, domain.StatusError:
	default:
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, fmt.Errorf("%w: cannot deposit while %s", domain.ErrInvalidState, snap.Status)
	}
	if err := m.checkDepositLocked(amount); err != nil {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, err
	}
	m.busy = true
	epoch := m.epoch
	m.mu.Unlock()
	defer m.release(epoch)

	return m.runDeposit(ctx, epoch, amount)
}

// CreateChannel opens the channel, depositing the default amount first when
// nothing has been deposited yet. From the error state with a channel already
// open it resumes that channel instead of opening a new one.
func (m *Manager) CreateChannel(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	if m.busy {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, domain.ErrAlreadyInProgress
	}
	switch m.status {
	case domain.StatusDisconnected, domain.StatusError:
	case domain.StatusActive:
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, domain.ErrAlreadyActive
	default:
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, fmt.Errorf("%w: cannot create channel while %s", domain.ErrInvalidState, snap.Status)
	}
	m.busy = true
	epoch := m.epoch
	resumeID := m.channelID
	needDeposit := m.deposit == 0
	m.mu.Unlock()
	defer m.release(epoch)

	if resumeID != "" {
		return m.resume(ctx, epoch, resumeID)
	}

	if needDeposit {
		if snap, err := m.runDeposit(ctx, epoch, 0); err != nil {
			return snap, err
		}
	}

	if !m.transition(epoch, domain.StatusConnecting) {
		return m.Snapshot(), errReset
	}
	if err := m.net.Connect(ctx, m.wallet); err != nil {
		return m.fail(epoch, fmt.Errorf("%w: connect: %w", domain.ErrChannelCreation, err))
	}

	if !m.transition(epoch, domain.StatusCreating) {
		return m.Snapshot(), errReset
	}
	m.mu.Lock()
	amount := m.deposit
	m.mu.Unlock()

	channelID, err := m.net.OpenChannel(ctx, m.wallet, amount)
	if err != nil {
		return m.fail(epoch, fmt.Errorf("%w: %w", domain.ErrChannelCreation, err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch {
		return m.snapshotLocked(), errReset
	}
	m.channelID = channelID
	m.lastErr = ""
	m.setStatusLocked(domain.StatusActive)
	m.log.Info("channel opened",
		zap.String("wallet", m.wallet),
		zap.String("channel_id", channelID),
		zap.Stringer("balance", m.balance))
	return m.snapshotLocked(), nil
}

// ChargeAction debits amount (a decimal string in whole units) from the
// balance and appends the charge to the ledger. The check and the debit happen
// under one lock, so concurrent charges can never jointly overdraw.
func (m *Manager) ChargeAction(actionType, amount string) (domain.ActionEntry, Snapshot, error) {
	units, err := domain.ParseAmount(amount)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != domain.StatusActive {
		chargesTotal.WithLabelValues("not_active").Inc()
		return domain.ActionEntry{}, m.snapshotLocked(),
			fmt.Errorf("%w: status is %s", domain.ErrSessionNotActive, m.status)
	}
	if err != nil {
		chargesTotal.WithLabelValues("invalid").Inc()
		return domain.ActionEntry{}, m.snapshotLocked(), err
	}
	if units > m.balance {
		chargesTotal.WithLabelValues("insufficient").Inc()
		return domain.ActionEntry{}, m.snapshotLocked(),
			&domain.InsufficientBalanceError{Requested: units, Available: m.balance}
	}

	m.balance -= units
	entry := domain.ActionEntry{
		Type:      actionType,
		Amount:    units.String(),
		Units:     units,
		Timestamp: m.now(),
	}
	m.ledger.Append(entry)
	chargesTotal.WithLabelValues("ok").Inc()

	snap := m.snapshotLocked()
	m.notifyLocked(snap)
	return entry, snap, nil
}

// CloseChannel settles the channel. The balance is kept as the settled amount.
func (m *Manager) CloseChannel(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	if m.busy {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, domain.ErrAlreadyInProgress
	}
	if m.status != domain.StatusActive {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, fmt.Errorf("%w: status is %s", domain.ErrSessionNotActive, snap.Status)
	}
	m.busy = true
	epoch := m.epoch
	channelID := m.channelID
	final := m.balance
	m.setStatusLocked(domain.StatusClosing)
	m.mu.Unlock()
	defer m.release(epoch)

	if err := m.net.CloseChannel(ctx, channelID, final); err != nil {
		return m.fail(epoch, fmt.Errorf("%w: %w", domain.ErrSettlement, err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch {
		return m.snapshotLocked(), errReset
	}
	m.lastErr = ""
	m.setStatusLocked(domain.StatusSettled)
	m.log.Info("channel settled",
		zap.String("wallet", m.wallet),
		zap.String("channel_id", channelID),
		zap.Stringer("balance", m.balance))
	return m.snapshotLocked(), nil
}

// Reset discards the channel record and its ledger. Operations still in flight
// complete against the old epoch and their results are dropped.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.epoch++
	m.busy = false
	m.deposit = 0
	m.balance = 0
	m.channelID = ""
	m.txHash = ""
	m.lastErr = ""
	m.ledger.Reset()
	m.setStatusLocked(domain.StatusDisconnected)
}

func (m *Manager) runDeposit(ctx context.Context, epoch uint64, amount domain.Units) (Snapshot, error) {
	if amount == 0 {
		amount = domain.DefaultDepositAmount
	}

	m.mu.Lock()
	err := m.checkDepositLocked(amount)
	m.mu.Unlock()
	if err != nil {
		return m.Snapshot(), err
	}

	if !m.transition(epoch, domain.StatusApproving) {
		return m.Snapshot(), errReset
	}
	if err := m.net.Approve(ctx, m.wallet, amount); err != nil {
		return m.fail(epoch, fmt.Errorf("%w: approve: %w", domain.ErrDeposit, err))
	}

	if !m.transition(epoch, domain.StatusDepositing) {
		return m.Snapshot(), errReset
	}
	txHash, err := m.net.Deposit(ctx, m.wallet, amount)
	if err != nil {
		return m.fail(epoch, fmt.Errorf("%w: %w", domain.ErrDeposit, err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch {
		return m.snapshotLocked(), errReset
	}
	m.deposit += amount
	m.balance += amount
	m.txHash = txHash
	m.lastErr = ""
	if m.channelID != "" {
		m.setStatusLocked(domain.StatusActive)
	} else {
		m.setStatusLocked(domain.StatusDisconnected)
	}
	m.log.Info("deposit confirmed",
		zap.String("wallet", m.wallet),
		zap.String("tx_hash", txHash),
		zap.Stringer("amount", amount))
	return m.snapshotLocked(), nil
}

// checkDepositLocked rejects amounts that would push the deposit past
// MaxUnits. Balance never exceeds deposit, so it is covered too.
func (m *Manager) checkDepositLocked(amount domain.Units) error {
	if amount > domain.MaxUnits || m.deposit > domain.MaxUnits-amount {
		return fmt.Errorf("%w: deposit of %s would exceed the channel limit", domain.ErrInvalidAmount, amount)
	}
	return nil
}

func (m *Manager) resume(ctx context.Context, epoch uint64, channelID string) (Snapshot, error) {
	if !m.transition(epoch, domain.StatusConnecting) {
		return m.Snapshot(), errReset
	}
	if err := m.net.ResumeChannel(ctx, channelID); err != nil {
		return m.fail(epoch, fmt.Errorf("%w: resume: %w", domain.ErrChannelCreation, err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch {
		return m.snapshotLocked(), errReset
	}
	m.lastErr = ""
	m.setStatusLocked(domain.StatusActive)
	m.log.Info("channel resumed", zap.String("wallet", m.wallet), zap.String("channel_id", channelID))
	return m.snapshotLocked(), nil
}

// transition moves to an in-flight status. It returns false when the channel
// was reset since epoch.
func (m *Manager) transition(epoch uint64, status domain.ChannelStatus) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch {
		return false
	}
	m.setStatusLocked(status)
	return true
}

// fail records err into the channel record and returns it to the caller.
func (m *Manager) fail(epoch uint64, err error) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch {
		return m.snapshotLocked(), errReset
	}
	m.lastErr = err.Error()
	m.setStatusLocked(domain.StatusError)
	m.log.Warn("channel operation failed", zap.String("wallet", m.wallet), zap.Error(err))
	return m.snapshotLocked(), err
}

func (m *Manager) release(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch == m.epoch {
		m.busy = false
	}
}

func (m *Manager) setStatusLocked(status domain.ChannelStatus) {
	m.status = status
	transitionsTotal.WithLabelValues(string(status)).Inc()
	m.log.Debug("channel transition", zap.String("wallet", m.wallet), zap.String("status", string(status)))
	m.notifyLocked(m.snapshotLocked())
}

func (m *Manager) notifyLocked(snap Snapshot) {
	if m.observer != nil {
		m.observer(snap)
	}
}

func (m *Manager) snapshotLocked() Snapshot {
	return Snapshot{
		Status:        m.status,
		DepositAmount: m.deposit,
		Balance:       m.balance,
		ChannelID:     m.channelID,
		TxHash:        m.txHash,
		Error:         m.lastErr,
		IsDeposited:   m.deposit > 0,
	}
}
