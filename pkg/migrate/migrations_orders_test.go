package migrate_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readMigration(t *testing.T, pattern string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join("migrations", pattern))
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(matches) == 0 {
		t.Fatalf("no migration file matching %s", pattern)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read migration file: %v", err)
	}
	return string(data)
}

func TestOrdersMigrationsContainConstraints(t *testing.T) {
	cases := map[string][]string{
		"*_create_products.sql": {
			"CREATE TABLE IF NOT EXISTS products",
			"CHECK (stock >= 0)",
			"DROP TABLE IF EXISTS products",
		},
		"*_create_orders.sql": {
			"CREATE TABLE IF NOT EXISTS orders",
			"CONSTRAINT orders_pickup_code_key UNIQUE (pickup_code)",
			"CHECK (installments BETWEEN 1 AND 12)",
			"FOREIGN KEY (coupon_id) REFERENCES coupons(id) ON DELETE SET NULL",
			"idx_orders_pending_expires",
			"DROP TABLE IF EXISTS orders",
		},
		"*_create_order_items.sql": {
			"FOREIGN KEY (order_id) REFERENCES orders(id) ON DELETE CASCADE",
			"FOREIGN KEY (product_id) REFERENCES products(id) ON DELETE RESTRICT",
			"CHECK (quantity > 0)",
		},
		"*_create_order_status_history.sql": {
			"CREATE TABLE IF NOT EXISTS order_status_history",
			"changed_by uuid NULL",
		},
		"*_create_payments.sql": {
			"CONSTRAINT payments_order_id_key UNIQUE (order_id)",
			"'refunded'",
		},
		"*_create_outbox.sql": {
			"CREATE TABLE IF NOT EXISTS outbox_events",
			"CREATE TABLE IF NOT EXISTS outbox_dlq",
			"WHERE published_at IS NULL",
		},
	}

	for pattern, checks := range cases {
		content := readMigration(t, pattern)
		for _, sub := range checks {
			if !strings.Contains(content, sub) {
				t.Errorf("%s: missing expected statement %q", pattern, sub)
			}
		}
	}
}
