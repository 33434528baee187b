package orders

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const (
	alphabet            = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	maxNumberCollisions = 5
)

// NumberChecker reports whether an order number is already used in a tenant.
type NumberChecker interface {
	OrderNumberExists(ctx context.Context, tenantID, number string) (bool, error)
}

// OrderNumberGenerator produces PREFIX-yyyyMMdd-TTTT-RRRRRRRR, where TTTT is
// derived from the tenant and RRRRRRRR is random. After repeated collisions
// it appends the current Unix millisecond timestamp.
type OrderNumberGenerator struct {
	prefix  string
	checker NumberChecker
	now     func() time.Time
	random  func(n int) (string, error)
}

func NewOrderNumberGenerator(prefix string, checker NumberChecker) *OrderNumberGenerator {
	return &OrderNumberGenerator{
		prefix:  prefix,
		checker: checker,
		now:     func() time.Time { return time.Now().UTC() },
		random:  randomString,
	}
}

func (g *OrderNumberGenerator) Generate(ctx context.Context, tenantID string) (string, error) {
	now := g.now()
	var candidate string
	for attempt := 0; attempt < maxNumberCollisions; attempt++ {
		suffix, err := g.random(8)
		if err != nil {
			return "", err
		}
		candidate = fmt.Sprintf("%s-%s-%s-%s", g.prefix, now.Format("20060102"), tenantHash(tenantID), suffix)

		exists, err := g.checker.OrderNumberExists(ctx, tenantID, candidate)
		if err != nil {
			return "", fmt.Errorf("check order number: %w", err)
		}
		if !exists {
			return candidate, nil
		}
	}
	return fmt.Sprintf("%s-%d", candidate, now.UnixMilli()), nil
}

func tenantHash(tenantID string) string {
	sum := sha256.Sum256([]byte(tenantID))
	return strings.ToUpper(hex.EncodeToString(sum[:2]))
}

func randomString(n int) (string, error) {
	var b strings.Builder
	b.Grow(n)
	limit := big.NewInt(int64(len(alphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate random suffix: %w", err)
		}
		b.WriteByte(alphabet[idx.Int64()])
	}
	return b.String(), nil
}

// TrackingNumber generates a carrier-neutral tracking code.
func TrackingNumber() (string, error) {
	s, err := randomString(10)
	if err != nil {
		return "", err
	}
	return "TRK-" + s, nil
}
