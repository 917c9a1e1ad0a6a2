package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixelkiln/server/internal/adapter/repo"
	"github.com/pixelkiln/server/internal/domain"
	"github.com/pixelkiln/server/internal/infra"
	"github.com/pixelkiln/server/internal/ledger"
)

// grantcredits is an operator tool: credit a user's account outside the
// purchase flow (support refunds, promotions, subscription grants).
func main() {
	var (
		idFlag     string
		amountFlag int
		kindFlag   string
		noteFlag   string
	)

	flag.StringVar(&idFlag, "id", "", "user ID to credit (UUID)")
	flag.IntVar(&amountFlag, "amount", 0, "credits to grant (must be positive)")
	flag.StringVar(&kindFlag, "kind", "subscription_grant", "transaction kind (purchase, subscription_grant, refund)")
	flag.StringVar(&noteFlag, "note", "operator grant", "transaction description")
	flag.Parse()

	userID := strings.TrimSpace(idFlag)
	if userID == "" {
		exitWithError(errors.New("-id is required"))
	}
	if amountFlag <= 0 {
		exitWithError(errors.New("-amount must be positive"))
	}
	kind := domain.TransactionKind(strings.TrimSpace(kindFlag))
	switch kind {
	case domain.TransactionPurchase, domain.TransactionGrant, domain.TransactionRefund:
	default:
		exitWithError(fmt.Errorf("unsupported kind %q", kindFlag))
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(errors.New("DATABASE_URL is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("failed to connect database: %w", err))
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "grantcredits").Logger()
	led := ledger.NewService(repo.NewLedgerRepository(pool), logger)

	if err := led.Credit(ctx, userID, amountFlag, kind, noteFlag); err != nil {
		exitWithError(err)
	}
	balance, err := led.Balance(ctx, userID)
	if err != nil {
		exitWithError(err)
	}
	fmt.Printf("credited %d (%s) to %s, balance now %d\n", amountFlag, kind, userID, balance)
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
