// Package session exposes a payment channel as a coarse-grained session and
// mediates charges against its off-chain balance.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/channelops/internal/channel"
	"github.com/punchamoorthee/channelops/internal/domain"
	"github.com/punchamoorthee/channelops/internal/events"
	"github.com/punchamoorthee/channelops/internal/ledger"
)

// IDPrefix is prepended to the channel id to form the public session id.
const IDPrefix = "session-"

// StatusFor maps a channel status onto the session status shown to callers.
// Every channel status has exactly one mapping; a missing one is a bug.
func StatusFor(s domain.ChannelStatus) domain.SessionStatus {
	switch s {
	case domain.StatusDisconnected:
		return domain.SessionDisconnected
	case domain.StatusApproving, domain.StatusDepositing, domain.StatusConnecting, domain.StatusCreating:
		return domain.SessionConnecting
	case domain.StatusActive:
		return domain.SessionActive
	case domain.StatusClosing:
		return domain.SessionSettling
	case domain.StatusSettled:
		return domain.SessionSettled
	case domain.StatusError:
		return domain.SessionError
	}
	panic(fmt.Sprintf("session: unmapped channel status %q", s))
}

// State is the public snapshot of a session.
type State struct {
	Status        domain.SessionStatus `json:"status"`
	Balance       string               `json:"balance"`
	SessionID     string               `json:"session_id,omitempty"`
	DepositTxHash string               `json:"deposit_tx_hash,omitempty"`
	Error         string               `json:"error,omitempty"`
	IsDeposited   bool                 `json:"is_deposited"`
	IsLoading     bool                 `json:"is_loading"`
}

// StateFrom derives the public state from a channel snapshot.
func StateFrom(snap channel.Snapshot) State {
	st := State{
		Status:        StatusFor(snap.Status),
		Balance:       snap.Balance.Format(),
		DepositTxHash: snap.TxHash,
		Error:         snap.Error,
		IsDeposited:   snap.IsDeposited,
		IsLoading:     snap.Status.InFlight(),
	}
	if snap.ChannelID != "" {
		st.SessionID = IDPrefix + snap.ChannelID
	}
	return st
}

// Options carries the collaborators of a Session. Zero values are allowed.
type Options struct {
	Bus    *events.Bus
	Sink   ledger.Sink
	Logger *zap.Logger
	Clock  func() time.Time
}

// Session adapts one channel.Manager for callers.
type Session struct {
	id   string
	mgr  *channel.Manager
	bus  *events.Bus
	sink ledger.Sink
	log  *zap.Logger
	now  func() time.Time

	// lastStatus is only touched by the manager observer, which runs under the
	// manager lock.
	lastStatus domain.SessionStatus
}

func New(id, wallet string, net channel.Network, opts Options) *Session {
	s := &Session{
		id:         id,
		bus:        opts.Bus,
		sink:       opts.Sink,
		log:        opts.Logger,
		now:        opts.Clock,
		lastStatus: domain.SessionDisconnected,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.log = s.log.With(zap.String("session", id))

	s.mgr = channel.NewManager(wallet, net, ledger.New(),
		channel.WithLogger(s.log),
		channel.WithClock(s.now),
		channel.WithObserver(s.observe),
	)
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Wallet() string {
	return s.mgr.Wallet()
}

func (s *Session) State() State {
	return StateFrom(s.mgr.Snapshot())
}

// Snapshot returns the underlying channel record.
func (s *Session) Snapshot() channel.Snapshot {
	return s.mgr.Snapshot()
}

func (s *Session) Deposit(ctx context.Context, amount domain.Units) (State, error) {
	snap, err := s.mgr.Deposit(ctx, amount)
	return StateFrom(snap), err
}

// StartSession deposits when nothing is escrowed yet and opens the channel.
// It is a no-op on an already active session.
func (s *Session) StartSession(ctx context.Context) (State, error) {
	snap, err := s.mgr.CreateChannel(ctx)
	if errors.Is(err, domain.ErrAlreadyActive) {
		return StateFrom(snap), nil
	}
	return StateFrom(snap), err
}

// EndSession closes and settles the channel.
func (s *Session) EndSession(ctx context.Context) (State, error) {
	snap, err := s.mgr.CloseChannel(ctx)
	st := StateFrom(snap)
	if err == nil {
		s.publish(events.TypeSessionClosed, st, nil)
	}
	return st, err
}

// ChargeAction debits the balance and records the charge. The audit sink is a
// mirror: a sink failure is logged and does not undo the charge.
func (s *Session) ChargeAction(ctx context.Context, actionType, amount string) (domain.ActionEntry, State, error) {
	entry, snap, err := s.mgr.ChargeAction(actionType, amount)
	st := StateFrom(snap)
	if err != nil {
		return entry, st, err
	}

	s.publish(events.TypeActionCharged, st, &entry)
	if s.sink != nil {
		if err := s.sink.RecordAction(ctx, s.id, entry); err != nil {
			s.log.Warn("audit mirror failed", zap.String("type", entry.Type), zap.Error(err))
		}
	}
	return entry, st, nil
}

// Actions returns up to limit of the most recent charges, oldest first.
func (s *Session) Actions(limit int) []domain.ActionEntry {
	return s.mgr.Ledger().Recent(limit)
}

func (s *Session) Totals() map[string]domain.ActionTotal {
	return s.mgr.Ledger().TotalByType()
}

// Reset returns the session to disconnected and drops its ledger.
func (s *Session) Reset() {
	s.mgr.Reset()
}

func (s *Session) observe(snap channel.Snapshot) {
	st := StateFrom(snap)
	if st.Status == s.lastStatus {
		return
	}
	s.lastStatus = st.Status
	s.publish(events.TypeStatusChanged, st, nil)
}

func (s *Session) publish(typ events.Type, st State, entry *domain.ActionEntry) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:      typ,
		SessionID: s.id,
		Status:    st.Status,
		Balance:   st.Balance,
		Error:     st.Error,
		Action:    entry,
		At:        s.now(),
	})
}
