package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pixelkiln/server/internal/domain"
)

// Service owns credit balances and the transaction log. The authoritative
// debit decision lives in the repository's storage transaction; this layer
// adds validation, logging and balance-change fan-out.
type Service struct {
	repo   domain.LedgerRepository
	logger zerolog.Logger

	mu   sync.RWMutex
	subs map[string]map[string]chan domain.BalanceChange
}

func NewService(repo domain.LedgerRepository, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger,
		subs:   make(map[string]map[string]chan domain.BalanceChange),
	}
}

// Validate is a read-only pre-flight check. It never mutates state and its
// answer can be stale by the time a debit runs; callers must still branch on
// the Debit result.
func (s *Service) Validate(ctx context.Context, userID string, required int) (domain.Validation, error) {
	if required < 0 {
		return domain.Validation{}, fmt.Errorf("ledger: negative required amount %d", required)
	}
	available, err := s.repo.Balance(ctx, userID)
	if err != nil {
		return domain.Validation{}, fmt.Errorf("ledger: read balance: %w", err)
	}
	v := domain.Validation{Required: required, Available: available, Valid: available >= required}
	if !v.Valid {
		v.Message = fmt.Sprintf("requires %d credits, %d available", required, available)
	}
	return v, nil
}

// Debit atomically checks and decrements the balance. Insufficient funds is
// a normal outcome reported through ok=false, not an error. Two concurrent
// debits whose sum exceeds the balance cannot both return ok.
func (s *Service) Debit(ctx context.Context, userID string, amount int, description string) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("ledger: debit amount must be positive, got %d", amount)
	}
	balance, ok, err := s.repo.DebitIfSufficient(ctx, userID, amount, description)
	if err != nil {
		return false, fmt.Errorf("ledger: debit: %w", err)
	}
	if !ok {
		s.logger.Debug().Str("user_id", userID).Int("amount", amount).Msg("ledger: debit rejected")
		return false, nil
	}
	s.publish(domain.BalanceChange{UserID: userID, Balance: balance, Kind: domain.TransactionDeduction})
	return true, nil
}

// Credit appends a positive transaction. There is no upper bound; credits
// always succeed unless storage fails.
func (s *Service) Credit(ctx context.Context, userID string, amount int, kind domain.TransactionKind, description string) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: credit amount must be positive, got %d", amount)
	}
	switch kind {
	case domain.TransactionPurchase, domain.TransactionGrant, domain.TransactionRefund:
	default:
		return fmt.Errorf("ledger: kind %q cannot credit", kind)
	}
	balance, err := s.repo.Credit(ctx, userID, amount, kind, description)
	if err != nil {
		return fmt.Errorf("ledger: credit: %w", err)
	}
	s.publish(domain.BalanceChange{UserID: userID, Balance: balance, Kind: kind})
	return nil
}

// Balance reads the current authoritative balance.
func (s *Service) Balance(ctx context.Context, userID string) (int, error) {
	return s.repo.Balance(ctx, userID)
}

// Transactions returns the newest-first transaction log projection.
func (s *Service) Transactions(ctx context.Context, userID string, limit int) ([]domain.Transaction, error) {
	return s.repo.Transactions(ctx, userID, limit)
}

// Subscribe registers for balance-change notifications. The channel is
// buffered; a slow subscriber misses updates rather than blocking ledger
// writes. Call the returned func to unsubscribe.
func (s *Service) Subscribe(userID string, buf int) (<-chan domain.BalanceChange, func()) {
	if buf < 1 {
		buf = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	subID := uuid.NewString()
	if _, ok := s.subs[userID]; !ok {
		s.subs[userID] = make(map[string]chan domain.BalanceChange)
	}
	ch := make(chan domain.BalanceChange, buf)
	s.subs[userID][subID] = ch

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		userSubs, ok := s.subs[userID]
		if !ok {
			return
		}
		c, ok := userSubs[subID]
		if !ok {
			return
		}
		delete(userSubs, subID)
		close(c)
		if len(userSubs) == 0 {
			delete(s.subs, userID)
		}
	}
	return ch, unsubscribe
}

func (s *Service) publish(change domain.BalanceChange) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs[change.UserID] {
		select {
		case ch <- change:
		default:
		}
	}
}
