package migrations

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScriptsCreateEveryTable(t *testing.T) {
	for _, table := range []string{"orders", "order_items", "saga_instances", "idempotency_tokens"} {
		assert.Contains(t, Orders(), "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
	for _, table := range []string{"stock_items", "reservations", "dtm_barrier.barrier"} {
		assert.Contains(t, Inventory(), "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
}

func TestScriptsAreRerunnable(t *testing.T) {
	for name, script := range map[string]string{"orders": Orders(), "inventory": Inventory()} {
		for _, line := range strings.Split(script, "\n") {
			if strings.HasPrefix(line, "CREATE ") {
				assert.Contains(t, line, "IF NOT EXISTS", "%s: %s", name, line)
			}
		}
	}
}
