package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"

	"github.com/mercadofree/mercadofree-backend/internal/orders"
	"github.com/mercadofree/mercadofree-backend/pkg/auth"
	"github.com/mercadofree/mercadofree-backend/pkg/config"
	"github.com/mercadofree/mercadofree-backend/pkg/db/models"
	"github.com/mercadofree/mercadofree-backend/pkg/enums"
	"github.com/mercadofree/mercadofree-backend/pkg/outbox"
)

const defaultDLQLimit = 50

type orderAdmin interface {
	ExpirePending(ctx context.Context, now time.Time) (orders.ExpiryResult, error)
	Reset(ctx context.Context) (orders.ResetSummary, error)
}

type dlqLister interface {
	List(ctx context.Context, filter outbox.DLQFilter) ([]models.OutboxDLQ, error)
}

type dependencies interface {
	Orders(ctx context.Context) (orderAdmin, error)
	DLQ(ctx context.Context) (dlqLister, error)
}

var errUsage = errors.New("invalid usage")

func run(ctx context.Context, args []string, cfg *config.Config, deps dependencies, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(out, usage)
		return errUsage
	}
	switch args[0] {
	case "expire":
		return runExpire(ctx, args[1:], deps, out)
	case "reset":
		return runReset(ctx, args[1:], cfg, deps, out)
	case "token":
		return runToken(args[1:], cfg, out)
	case "dlq":
		return runDLQ(ctx, args[1:], deps, out)
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	default:
		fmt.Fprint(out, usage)
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
}

func runExpire(ctx context.Context, args []string, deps dependencies, out io.Writer) error {
	fs := flag.NewFlagSet("expire", flag.ContinueOnError)
	fs.SetOutput(out)
	if err := fs.Parse(args); err != nil {
		return err
	}

	svc, err := deps.Orders(ctx)
	if err != nil {
		return err
	}
	result, err := svc.ExpirePending(ctx, time.Now().UTC())
	if renderErr := renderExpiry(out, result); renderErr != nil {
		return renderErr
	}
	if err != nil {
		return fmt.Errorf("expire pending orders: %w", err)
	}
	return nil
}

func runReset(ctx context.Context, args []string, cfg *config.Config, deps dependencies, out io.Writer) error {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	fs.SetOutput(out)
	confirm := fs.Bool("confirm", false, "required; deletes every order")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*confirm {
		return fmt.Errorf("%w: reset deletes every order, pass -confirm", errUsage)
	}
	if cfg != nil && cfg.App.IsProd() {
		return fmt.Errorf("reset is disabled in %s", cfg.App.Env)
	}

	svc, err := deps.Orders(ctx)
	if err != nil {
		return err
	}
	summary, err := svc.Reset(ctx)
	if err != nil {
		return fmt.Errorf("reset orders: %w", err)
	}
	return renderReset(out, summary)
}

func runToken(args []string, cfg *config.Config, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(out)
	rawUser := fs.String("user", "", "user id (uuid); random when empty")
	rawRole := fs.String("role", string(enums.ActorRoleCustomer), "customer or staff")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if cfg == nil {
		return errors.New("config required")
	}

	userID := uuid.New()
	if *rawUser != "" {
		parsed, err := uuid.Parse(*rawUser)
		if err != nil {
			return fmt.Errorf("%w: invalid -user: %v", errUsage, err)
		}
		userID = parsed
	}
	role, err := enums.ParseActorRole(*rawRole)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	token, err := auth.MintAccessToken(cfg.JWT, time.Now(), auth.AccessTokenPayload{UserID: userID, Role: role})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "user_id: %s\nrole:    %s\ntoken:   %s\n", userID, role, token)
	return nil
}

func runDLQ(ctx context.Context, args []string, deps dependencies, out io.Writer) error {
	fs := flag.NewFlagSet("dlq", flag.ContinueOnError)
	fs.SetOutput(out)
	limit := fs.Int("limit", defaultDLQLimit, "max rows")
	reason := fs.String("reason", "", "only rows parked for this reason (unresolvable, non_retryable, max_attempts)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	filter := outbox.DLQFilter{Limit: *limit}
	if *reason != "" {
		parsed, err := enums.ParseOutboxDLQErrorReason(*reason)
		if err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		filter.Reason = parsed
	}

	repo, err := deps.DLQ(ctx)
	if err != nil {
		return err
	}
	rows, err := repo.List(ctx, filter)
	if err != nil {
		return fmt.Errorf("list dlq: %w", err)
	}
	return renderDLQ(out, rows)
}

func renderExpiry(out io.Writer, result orders.ExpiryResult) error {
	table := tablewriter.NewWriter(out)
	table.Header("ORDER", "USER", "EXPIRED AT", "ITEMS")
	for _, e := range result.Expired {
		if err := table.Append([]string{
			e.ID.String(),
			e.UserID.String(),
			e.ExpiresAt.UTC().Format(time.RFC3339),
			strconv.Itoa(e.Items),
		}); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "scanned=%d cancelled=%d skipped=%d\n", result.Scanned, result.Cancelled, result.Skipped)
	return err
}

func renderReset(out io.Writer, summary orders.ResetSummary) error {
	table := tablewriter.NewWriter(out)
	table.Header("TABLE", "DELETED")
	for _, row := range [][]string{
		{"orders", strconv.FormatInt(summary.Orders, 10)},
		{"order_items", strconv.FormatInt(summary.Items, 10)},
		{"payments", strconv.FormatInt(summary.Payments, 10)},
		{"order_status_history", strconv.FormatInt(summary.History, 10)},
	} {
		if err := table.Append(row); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	if len(summary.Restored) == 0 {
		return nil
	}

	restored := tablewriter.NewWriter(out)
	restored.Header("PRODUCT", "RESTORED")
	for _, r := range summary.Restored {
		if err := restored.Append([]string{r.ProductID.String(), strconv.Itoa(r.Quantity)}); err != nil {
			return err
		}
	}
	return restored.Render()
}

func renderDLQ(out io.Writer, rows []models.OutboxDLQ) error {
	table := tablewriter.NewWriter(out)
	table.Header("EVENT", "TYPE", "AGGREGATE", "REASON", "REPLAYABLE", "ATTEMPTS", "FAILED AT", "ERROR")
	for _, row := range rows {
		msg := ""
		if row.ErrorMessage != nil {
			msg = *row.ErrorMessage
		}
		if err := table.Append([]string{
			row.EventID.String(),
			string(row.EventType),
			row.AggregateID.String(),
			row.ErrorReason.String(),
			strconv.FormatBool(row.ErrorReason.Replayable()),
			strconv.Itoa(row.AttemptCount),
			row.FailedAt.UTC().Format(time.RFC3339),
			msg,
		}); err != nil {
			return err
		}
	}
	return table.Render()
}
