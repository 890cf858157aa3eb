package clearnode

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/channelops/internal/domain"
)

// Operation names accepted by Simulator.FailNext.
const (
	OpApprove = "approve"
	OpDeposit = "deposit"
	OpConnect = "connect"
	OpOpen    = "open"
	OpResume  = "resume"
	OpClose   = "close"
)

var ErrUnknownChannel = errors.New("unknown channel")

// Simulator is an in-memory clearing node used for local runs and load tests.
type Simulator struct {
	latency time.Duration

	mu       sync.Mutex
	escrow   map[string]domain.Units
	channels map[string]domain.Units
	settled  map[string]domain.Units
	failures map[string]error
}

func NewSimulator(latency time.Duration) *Simulator {
	return &Simulator{
		latency:  latency,
		escrow:   make(map[string]domain.Units),
		channels: make(map[string]domain.Units),
		settled:  make(map[string]domain.Units),
		failures: make(map[string]error),
	}
}

// FailNext makes the next call of op return err.
func (s *Simulator) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = err
}

// Settled returns the final balance recorded for a closed channel.
func (s *Simulator) Settled(channelID string) (domain.Units, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settled[channelID]
	return v, ok
}

func (s *Simulator) Approve(ctx context.Context, wallet string, amount domain.Units) error {
	return s.step(ctx, OpApprove)
}

func (s *Simulator) Deposit(ctx context.Context, wallet string, amount domain.Units) (string, error) {
	if err := s.step(ctx, OpDeposit); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escrow[wallet] += amount
	return "0x" + strings.ReplaceAll(uuid.NewString(), "-", ""), nil
}

func (s *Simulator) Connect(ctx context.Context, wallet string) error {
	return s.step(ctx, OpConnect)
}

func (s *Simulator) OpenChannel(ctx context.Context, wallet string, amount domain.Units) (string, error) {
	if err := s.step(ctx, OpOpen); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.escrow[wallet] < amount {
		return "", fmt.Errorf("escrow %s below requested %s", s.escrow[wallet], amount)
	}
	id := uuid.NewString()
	s.channels[id] = amount
	return id, nil
}

func (s *Simulator) ResumeChannel(ctx context.Context, channelID string) error {
	if err := s.step(ctx, OpResume); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[channelID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channelID)
	}
	return nil
}

func (s *Simulator) CloseChannel(ctx context.Context, channelID string, finalBalance domain.Units) error {
	if err := s.step(ctx, OpClose); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[channelID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channelID)
	}
	delete(s.channels, channelID)
	s.settled[channelID] = finalBalance
	return nil
}

func (s *Simulator) step(ctx context.Context, op string) error {
	if s.latency > 0 {
		select {
		case <-time.After(s.latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failures[op]; ok {
		delete(s.failures, op)
		return err
	}
	return nil
}
