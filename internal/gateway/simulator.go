package gateway

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/freightdesk/paycore/internal/clock"
	"github.com/freightdesk/paycore/internal/idgen"
	"github.com/freightdesk/paycore/internal/money"
)

// Simulator is an in-process gateway used in development and tests.
// Charges settle after SettleDelay; FailRate injects declines.
type Simulator struct {
	SettleDelay time.Duration
	FailRate    float64 // 0..1 fraction of charges that decline at initiation

	clk      clock.Clock
	mu       sync.Mutex
	sessions map[string]*simSession
}

type simSession struct {
	req       Request
	status    Status
	settleAt  time.Time
	refunded  money.Money
	refundIDs []string
}

// NewSimulator creates a simulator that settles charges after delay.
func NewSimulator(delay time.Duration, failRate float64, clk clock.Clock) *Simulator {
	if clk == nil {
		clk = clock.System{}
	}
	return &Simulator{
		SettleDelay: delay,
		FailRate:    failRate,
		clk:         clk,
		sessions:    make(map[string]*simSession),
	}
}

func (s *Simulator) Name() string { return "simulator" }

// Initialize accepts or declines the charge. Declines are business
// failures, not transient errors.
func (s *Simulator) Initialize(ctx context.Context, req Request) (*Session, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if s.FailRate > 0 && randomFloat() < s.FailRate {
		return nil, ErrDeclined
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := idgen.WithPrefix("sim_")
	s.sessions[id] = &simSession{
		req:      req,
		status:   StatusInitiated,
		settleAt: s.clk.Now().Add(s.SettleDelay),
		refunded: money.Zero(req.Amount.Currency()),
	}

	return &Session{ExternalID: id, Status: StatusInitiated}, nil
}

// GetStatus reports the charge state, settling it if the delay elapsed.
func (s *Simulator) GetStatus(ctx context.Context, externalID string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[externalID]
	if !ok {
		return "", ErrSessionNotFound
	}

	if sess.status == StatusInitiated && !s.clk.Now().Before(sess.settleAt) {
		sess.status = StatusSucceeded
	}

	return sess.status, nil
}

// Refund refunds part or all of a succeeded charge.
func (s *Simulator) Refund(ctx context.Context, externalID string, amount money.Money) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[externalID]
	if !ok {
		return "", ErrSessionNotFound
	}
	if sess.status != StatusSucceeded && sess.status != StatusRefunded {
		return "", ErrNotRefundable
	}

	newTotal, err := sess.refunded.Add(amount)
	if err != nil {
		return "", err
	}
	if over, _ := sess.req.Amount.LessThan(newTotal); over {
		return "", ErrInvalidAmount
	}

	sess.refunded = newTotal
	if newTotal.Equal(sess.req.Amount) {
		sess.status = StatusRefunded
	}

	refundID := idgen.WithPrefix("simrf_")
	sess.refundIDs = append(sess.refundIDs, refundID)
	return refundID, nil
}

// Fail forces a pending charge to fail; used by tests to exercise the
// asynchronous-failure path.
func (s *Simulator) Fail(externalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[externalID]
	if !ok || sess.status.Terminal() {
		return false
	}
	sess.status = StatusFailed
	return true
}

func randomFloat() float64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return float64(binary.LittleEndian.Uint64(b[:])>>11) / float64(1<<53)
}
