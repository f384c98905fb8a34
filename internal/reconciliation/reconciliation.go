// Package reconciliation audits wallet balances against their
// transaction logs and repairs half-completed transfers.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/freightdesk/paycore/internal/clock"
	"github.com/freightdesk/paycore/internal/metrics"
	"github.com/freightdesk/paycore/internal/wallet"
)

// WalletAuditor recomputes and compensates wallet state.
type WalletAuditor interface {
	Audit(ctx context.Context, walletID string) error
	Reverse(ctx context.Context, transactionID, reason string) (*wallet.Transaction, error)
}

// WalletScanner enumerates wallets and suspicious ledger rows.
type WalletScanner interface {
	ListWalletIDs(ctx context.Context) ([]string, error)
	ListDanglingTransfers(ctx context.Context, cutoff time.Time, limit int) ([]*wallet.Transaction, error)
}

// Result summarizes one reconciliation run.
type Result struct {
	WalletsChecked    int      `json:"walletsChecked"`
	Mismatches        int      `json:"mismatches"`
	MismatchedWallets []string `json:"mismatchedWallets,omitempty"`
	TransfersRepaired int      `json:"transfersRepaired"`
}

// DefaultTransferGracePeriod is how old a lone transfer_out leg must be
// before it is treated as a crash artifact rather than an in-flight
// transfer.
const DefaultTransferGracePeriod = 5 * time.Minute

// Service runs the audit and repair passes.
type Service struct {
	auditor     WalletAuditor
	scanner     WalletScanner
	clk         clock.Clock
	logger      *slog.Logger
	gracePeriod time.Duration
}

// Option configures the service.
type Option func(*Service)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clk = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithTransferGracePeriod sets how long a lone transfer_out leg may
// stay unmatched before the repair pass compensates it.
func WithTransferGracePeriod(d time.Duration) Option {
	return func(s *Service) { s.gracePeriod = d }
}

// NewService creates a reconciliation service.
func NewService(auditor WalletAuditor, scanner WalletScanner, opts ...Option) *Service {
	s := &Service{
		auditor:     auditor,
		scanner:     scanner,
		clk:         clock.System{},
		logger:      slog.Default(),
		gracePeriod: DefaultTransferGracePeriod,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AuditWallet re-derives one wallet's balance from its transaction log.
// A mismatch is logged and counted but never auto-corrected.
func (s *Service) AuditWallet(ctx context.Context, walletID string) error {
	err := s.auditor.Audit(ctx, walletID)

	var integrity *wallet.IntegrityError
	if errors.As(err, &integrity) {
		metrics.IntegrityViolationsTotal.Inc()
		s.logger.Error("wallet integrity violation",
			"wallet_id", integrity.WalletID,
			"stored", integrity.Stored,
			"derived", integrity.Derived,
			"detail", integrity.Detail,
		)
	}
	return err
}

// AuditAll sweeps every wallet, one at a time.
func (s *Service) AuditAll(ctx context.Context) (*Result, error) {
	start := time.Now()
	defer func() {
		runDuration.Observe(time.Since(start).Seconds())
	}()

	ids, err := s.scanner.ListWalletIDs(ctx)
	if err != nil {
		runErrors.Inc()
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}

	res := &Result{}
	for _, id := range ids {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.WalletsChecked++

		err := s.AuditWallet(ctx, id)
		var integrity *wallet.IntegrityError
		if errors.As(err, &integrity) {
			res.Mismatches++
			res.MismatchedWallets = append(res.MismatchedWallets, id)
			continue
		}
		if err != nil {
			runErrors.Inc()
			s.logger.Warn("wallet audit failed", "wallet_id", id, "error", err)
		}
	}

	balanceMismatches.Set(float64(res.Mismatches))
	return res, nil
}

// RepairTransfers finds transfer_out legs whose group never got a
// completed transfer_in counterpart (the crash window between the two
// legs) and compensates the completed leg with a reversal.
func (s *Service) RepairTransfers(ctx context.Context) (int, error) {
	cutoff := s.clk.Now().Add(-s.gracePeriod)
	dangling, err := s.scanner.ListDanglingTransfers(ctx, cutoff, 100)
	if err != nil {
		runErrors.Inc()
		return 0, fmt.Errorf("failed to list dangling transfers: %w", err)
	}
	danglingTransfers.Set(float64(len(dangling)))

	repaired := 0
	for _, tx := range dangling {
		if ctx.Err() != nil {
			return repaired, ctx.Err()
		}

		if _, err := s.auditor.Reverse(ctx, tx.ID, "reconciliation: unmatched transfer leg"); err != nil {
			if errors.Is(err, wallet.ErrAlreadyReversed) {
				continue
			}
			runErrors.Inc()
			s.logger.Warn("transfer repair failed",
				"transaction_id", tx.ID,
				"transfer_group", tx.TransferGroup,
				"error", err,
			)
			continue
		}

		repaired++
		s.logger.Info("dangling transfer compensated",
			"transaction_id", tx.ID,
			"transfer_group", tx.TransferGroup,
			"wallet_id", tx.WalletID,
			"amount", tx.Amount.String(),
		)
	}
	return repaired, nil
}

// RunAll executes the full pass: repair first, then audit, so a just-
// compensated wallet is checked with its reversal already applied.
func (s *Service) RunAll(ctx context.Context) (*Result, error) {
	repaired, err := s.RepairTransfers(ctx)
	if err != nil {
		return nil, err
	}

	res, err := s.AuditAll(ctx)
	if err != nil {
		return nil, err
	}
	res.TransfersRepaired = repaired
	return res, nil
}
