// Package fees resolves the platform fee charged for a transaction type in a
// currency. A missing or zero fee is treated as misconfiguration: the
// operation fails and operations staff are alerted.
package fees

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/olawolejethro/azariPay-sub002/internal/apperr"
)

var ErrNotConfigured = errors.New("fee not configured")

// TransactionType names a fee-bearing operation.
type TransactionType string

const (
	EscrowLock TransactionType = "ESCROW_LOCK"
)

// Config is one fee row.
type Config struct {
	TransactionType TransactionType `json:"transactionType"`
	Currency        string          `json:"currency"`
	Amount          decimal.Decimal `json:"amount"`
	Active          bool            `json:"active"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Store persists fee configuration. Get returns ErrNotConfigured when no
// row exists.
type Store interface {
	Get(ctx context.Context, txType TransactionType, currency string) (*Config, error)
	Put(ctx context.Context, cfg *Config) error
	List(ctx context.Context) ([]*Config, error)
}

// Alerter raises an operations alert.
type Alerter interface {
	Alert(ctx context.Context, subject string, fields map[string]any)
}

// Resolver looks up fees with a short-lived cache.
type Resolver struct {
	store   Store
	alerter Alerter
	logger  *slog.Logger
	ttl     time.Duration

	mu    sync.RWMutex
	cache map[string]cachedFee
}

type cachedFee struct {
	amount  decimal.Decimal
	expires time.Time
}

// NewResolver creates a resolver over store.
func NewResolver(store Store) *Resolver {
	return &Resolver{
		store:  store,
		logger: slog.Default(),
		ttl:    time.Minute,
		cache:  make(map[string]cachedFee),
	}
}

// WithAlerter sets where misconfiguration alerts go.
func (r *Resolver) WithAlerter(a Alerter) *Resolver {
	r.alerter = a
	return r
}

// WithLogger sets the logger.
func (r *Resolver) WithLogger(logger *slog.Logger) *Resolver {
	r.logger = logger
	return r
}

// WithCacheTTL sets how long a resolved fee is reused. Zero disables caching.
func (r *Resolver) WithCacheTTL(ttl time.Duration) *Resolver {
	r.ttl = ttl
	return r
}

// FeeFor returns the positive fee for txType in currency.
func (r *Resolver) FeeFor(ctx context.Context, txType TransactionType, currency string) (decimal.Decimal, error) {
	currency = strings.ToUpper(currency)
	key := string(txType) + ":" + currency

	if r.ttl > 0 {
		r.mu.RLock()
		c, ok := r.cache[key]
		r.mu.RUnlock()
		if ok && time.Now().Before(c.expires) {
			return c.amount, nil
		}
	}

	cfg, err := r.store.Get(ctx, txType, currency)
	if err != nil && !errors.Is(err, ErrNotConfigured) {
		return decimal.Zero, fmt.Errorf("resolve fee %s: %w", key, err)
	}
	if err != nil || !cfg.Active || !cfg.Amount.IsPositive() {
		r.misconfigured(ctx, txType, currency, cfg)
		return decimal.Zero, apperr.FeeMisconfigured("%s fee for %s is not configured", txType, currency)
	}

	if r.ttl > 0 {
		r.mu.Lock()
		r.cache[key] = cachedFee{amount: cfg.Amount, expires: time.Now().Add(r.ttl)}
		r.mu.Unlock()
	}
	return cfg.Amount, nil
}

// Invalidate drops cached fees so the next lookup reads the store.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.cache = make(map[string]cachedFee)
	r.mu.Unlock()
}

func (r *Resolver) misconfigured(ctx context.Context, txType TransactionType, currency string, cfg *Config) {
	fields := map[string]any{
		"transaction_type": string(txType),
		"currency":         currency,
	}
	if cfg != nil {
		fields["amount"] = cfg.Amount.String()
		fields["active"] = cfg.Active
	}
	r.logger.Error("fee misconfigured", "transaction_type", txType, "currency", currency)
	if r.alerter != nil {
		r.alerter.Alert(ctx, "Fee misconfiguration", fields)
	}
}

// Seed writes an active ESCROW_LOCK row per currency.
func Seed(ctx context.Context, store Store, amounts map[string]decimal.Decimal) error {
	now := time.Now()
	for currency, amount := range amounts {
		err := store.Put(ctx, &Config{
			TransactionType: EscrowLock,
			Currency:        strings.ToUpper(currency),
			Amount:          amount,
			Active:          true,
			UpdatedAt:       now,
		})
		if err != nil {
			return fmt.Errorf("seed %s fee: %w", currency, err)
		}
	}
	return nil
}
