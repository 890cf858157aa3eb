package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/punchamoorthee/channelops/internal/channel"
	"github.com/punchamoorthee/channelops/internal/domain"
	"github.com/punchamoorthee/channelops/internal/events"
	"github.com/punchamoorthee/channelops/internal/ledger"
	"github.com/punchamoorthee/channelops/internal/session"
)

var activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "channelops_sessions",
	Help: "Sessions currently held in memory",
})

// SessionService owns every live session of the process. It is constructed
// once at start-up and injected into the API layer.
type SessionService struct {
	net       channel.Network
	bus       *events.Bus
	sink      ledger.Sink
	log       *zap.Logger
	opTimeout time.Duration

	now func() time.Time

	mu       sync.RWMutex
	sessions map[string]*entry
}

type entry struct {
	sess     *session.Session
	lastSeen atomic.Int64 // unix nanos
}

func (e *entry) touch(now time.Time) {
	e.lastSeen.Store(now.UnixNano())
}

// NewSessionService builds the registry. sink may be nil when no audit store
// is configured.
func NewSessionService(net channel.Network, bus *events.Bus, sink ledger.Sink, log *zap.Logger, opTimeout time.Duration) *SessionService {
	return &SessionService{
		net:       net,
		bus:       bus,
		sink:      sink,
		log:       log,
		opTimeout: opTimeout,
		now:       time.Now,
		sessions:  make(map[string]*entry),
	}
}

// Create registers a new disconnected session for wallet.
func (s *SessionService) Create(wallet string) *session.Session {
	id := uuid.NewString()
	sess := session.New(id, wallet, s.net, session.Options{
		Bus:    s.bus,
		Sink:   s.sink,
		Logger: s.log,
	})

	e := &entry{sess: sess}
	e.touch(s.now())

	s.mu.Lock()
	s.sessions[id] = e
	s.mu.Unlock()
	activeSessions.Inc()

	s.log.Info("session created", zap.String("session", id), zap.String("wallet", wallet))
	return sess
}

// Get looks a session up and marks it as recently used.
func (s *SessionService) Get(id string) (*session.Session, error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	e.touch(s.now())
	return e.sess, nil
}

// Discard resets the session and forgets it.
func (s *SessionService) Discard(id string) error {
	s.mu.Lock()
	e, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if !ok {
		return domain.ErrSessionNotFound
	}
	e.sess.Reset()
	activeSessions.Dec()
	s.log.Info("session discarded", zap.String("session", id))
	return nil
}

// SweepIdle discards sessions not used for at least ttl. Sessions with a
// lifecycle call in flight are kept.
func (s *SessionService) SweepIdle(ttl time.Duration) int {
	cutoff := s.now().Add(-ttl).UnixNano()

	s.mu.Lock()
	var idle []*session.Session
	for id, e := range s.sessions {
		if e.lastSeen.Load() > cutoff || e.sess.State().IsLoading {
			continue
		}
		delete(s.sessions, id)
		idle = append(idle, e.sess)
	}
	s.mu.Unlock()

	for _, sess := range idle {
		sess.Reset()
		activeSessions.Dec()
		s.log.Info("idle session discarded", zap.String("session", sess.ID()))
	}
	return len(idle)
}

func (s *SessionService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *SessionService) Deposit(ctx context.Context, id string, amount domain.Units) (session.State, error) {
	sess, err := s.Get(id)
	if err != nil {
		return session.State{}, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return sess.Deposit(ctx, amount)
}

func (s *SessionService) Start(ctx context.Context, id string) (session.State, error) {
	sess, err := s.Get(id)
	if err != nil {
		return session.State{}, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return sess.StartSession(ctx)
}

func (s *SessionService) End(ctx context.Context, id string) (session.State, error) {
	sess, err := s.Get(id)
	if err != nil {
		return session.State{}, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return sess.EndSession(ctx)
}

func (s *SessionService) Charge(ctx context.Context, id string, req domain.ChargeRequest) (domain.ActionEntry, session.State, error) {
	sess, err := s.Get(id)
	if err != nil {
		return domain.ActionEntry{}, session.State{}, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return sess.ChargeAction(ctx, req.Type, req.Amount)
}

// opContext detaches the network call from the caller's cancellation, so a
// dropped HTTP client cannot strand the channel mid-transition, and bounds it
// with the configured timeout instead.
func (s *SessionService) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.opTimeout)
}
