// Command ordersctl runs operator tasks against the order store: the expiry
// sweep, the administrative reset, token minting for local testing and the
// outbox dead-letter listing.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/mercadofree/mercadofree-backend/internal/inventory"
	"github.com/mercadofree/mercadofree-backend/internal/orders"
	"github.com/mercadofree/mercadofree-backend/pkg/config"
	"github.com/mercadofree/mercadofree-backend/pkg/db"
	"github.com/mercadofree/mercadofree-backend/pkg/logger"
	"github.com/mercadofree/mercadofree-backend/pkg/outbox"
)

const usage = `usage: ordersctl <command> [flags]

commands:
  expire              cancel pending orders whose reservation window has passed
  reset -confirm      delete every order and return reserved stock
  token -user -role   mint an access token for local testing
  dlq [-limit N]      list outbox events that will not be retried
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logg := logger.New(logger.Options{
		ServiceName: "ordersctl",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps := &lazyDeps{cfg: cfg, logg: logg}
	defer deps.close(ctx)

	if err := run(ctx, os.Args[1:], cfg, deps, os.Stdout); err != nil {
		logg.Error(ctx, "ordersctl failed", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// lazyDeps opens the database only for commands that need it.
type lazyDeps struct {
	cfg  *config.Config
	logg *logger.Logger

	client *db.Client
}

func (d *lazyDeps) database(ctx context.Context) (*db.Client, error) {
	if d.client != nil {
		return d.client, nil
	}
	client, err := db.New(ctx, d.cfg.DB, d.logg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap database: %w", err)
	}
	d.client = client
	return client, nil
}

func (d *lazyDeps) Orders(ctx context.Context) (orderAdmin, error) {
	client, err := d.database(ctx)
	if err != nil {
		return nil, err
	}
	return orders.NewService(
		orders.NewRepository(client.DB()),
		client,
		outbox.NewService(outbox.NewRepository(client.DB()), d.logg),
		inventory.NewLedger(),
		d.cfg.Orders,
		d.logg,
	)
}

func (d *lazyDeps) DLQ(ctx context.Context) (dlqLister, error) {
	client, err := d.database(ctx)
	if err != nil {
		return nil, err
	}
	return outbox.NewDLQRepository(client.DB()), nil
}

func (d *lazyDeps) close(ctx context.Context) {
	if d.client == nil {
		return
	}
	if err := d.client.Close(); err != nil {
		d.logg.Error(ctx, "error closing database", err)
	}
}
