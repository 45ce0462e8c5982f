package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"

	legacypgconn "github.com/jackc/pgconn"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

func TestMetadataForKnownCodes(t *testing.T) {
	tests := []struct {
		code      Code
		status    int
		publicMsg string
		retryable bool
		detailsOK bool
	}{
		{code: CodeValidation, status: http.StatusBadRequest, publicMsg: "validation failed", detailsOK: true},
		{code: CodeUnauthorized, status: http.StatusUnauthorized, publicMsg: "authentication required"},
		{code: CodeForbidden, status: http.StatusForbidden, publicMsg: "access denied"},
		{code: CodeNotFound, status: http.StatusNotFound, publicMsg: "resource not found"},
		{code: CodeConflict, status: http.StatusConflict, publicMsg: "conflict detected"},
		{code: CodeInsufficientStock, status: http.StatusBadRequest, publicMsg: "products unavailable", detailsOK: true},
		{code: CodeInvalidTransition, status: http.StatusBadRequest, publicMsg: "status transition not allowed", detailsOK: true},
		{code: CodeOrderNotPayable, status: http.StatusBadRequest, publicMsg: "order cannot be paid", detailsOK: true},
		{code: CodeRateLimit, status: http.StatusTooManyRequests, publicMsg: "rate limit exceeded"},
		{code: CodeInternal, status: http.StatusInternalServerError, publicMsg: "internal server error", retryable: true},
		{code: CodeDependency, status: http.StatusServiceUnavailable, publicMsg: "dependency unavailable", retryable: true, detailsOK: true},
	}

	for _, tt := range tests {
		meta := MetadataFor(tt.code)
		if meta.HTTPStatus != tt.status {
			t.Fatalf("code %s expected status %d got %d", tt.code, tt.status, meta.HTTPStatus)
		}
		if meta.PublicMessage != tt.publicMsg {
			t.Fatalf("code %s expected public message %q got %q", tt.code, tt.publicMsg, meta.PublicMessage)
		}
		if meta.Retryable != tt.retryable {
			t.Fatalf("code %s expected retryable %v got %v", tt.code, tt.retryable, meta.Retryable)
		}
		if meta.DetailsAllowed != tt.detailsOK {
			t.Fatalf("code %s expected details allowed %v got %v", tt.code, tt.detailsOK, meta.DetailsAllowed)
		}
	}
}

func TestMetadataForUnknownCodeDefaultsToInternal(t *testing.T) {
	meta := MetadataFor("SOMETHING_UNKNOWN")
	if meta.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("expected internal status, got %d", meta.HTTPStatus)
	}
}

func TestErrorConstructors(t *testing.T) {
	base := New(CodeValidation, "missing foo")
	if base.Code() != CodeValidation {
		t.Fatalf("expected validation code, got %s", base.Code())
	}
	if base.Message() != "missing foo" {
		t.Fatalf("unexpected message %q", base.Message())
	}
	if base.Details() != nil {
		t.Fatalf("details should be nil by default")
	}

	base.WithDetails(map[string]any{"field": "foo"})
	if base.Details() == nil {
		t.Fatalf("details should be preserved")
	}

	cause := stdErrors.New("boom")
	wrapped := Wrap(CodeConflict, cause, "ctx")
	if !stdErrors.Is(wrapped, cause) {
		t.Fatalf("Wrap did not preserve cause")
	}
	if wrapped.Code() != CodeConflict {
		t.Fatalf("unexpected code %s", wrapped.Code())
	}

	formatted := Newf(CodeInvalidTransition, "cannot move from %s to %s", "paid", "pending")
	if formatted.Message() != "cannot move from paid to pending" {
		t.Fatalf("unexpected formatted message %q", formatted.Message())
	}
}

func TestAsAndIsCodeFollowWrapping(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(CodeForbidden, "no entry"))
	if got := As(err); got == nil || got.Code() != CodeForbidden {
		t.Fatalf("As failed to return typed error")
	}
	if !IsCode(err, CodeForbidden) {
		t.Fatalf("expected IsCode to match forbidden")
	}
	if IsCode(err, CodeNotFound) {
		t.Fatalf("did not expect IsCode to match not found")
	}
	if As(nil) != nil {
		t.Fatalf("As(nil) should return nil")
	}
}

func TestDumpExtractsPostgresFields(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "orders_pickup_code_key", TableName: "orders", Message: "duplicate key value"}
	err := Wrap(CodeConflict, fmt.Errorf("insert order: %w", pgErr), "could not create order")

	dump := Dump(err)
	if dump.Code != CodeConflict {
		t.Fatalf("expected conflict code, got %s", dump.Code)
	}
	if dump.PG == nil || dump.PG.Code != "23505" || dump.PG.Constraint != "orders_pickup_code_key" || dump.PG.Table != "orders" {
		t.Fatalf("unexpected pg fields %+v", dump.PG)
	}
	if len(dump.Chain) != 3 {
		t.Fatalf("expected 3 chain entries, got %d", len(dump.Chain))
	}

	fields := dump.Fields()
	if fields["pg_constraint"] != "orders_pickup_code_key" {
		t.Fatalf("missing constraint field: %v", fields)
	}
	if _, ok := fields["pg_column"]; ok {
		t.Fatalf("empty pg column should be left out: %v", fields)
	}
	if _, ok := fields["pg_transient"]; ok {
		t.Fatalf("unique violation is not transient")
	}
}

func TestAsPGReadsEveryDriver(t *testing.T) {
	cases := map[string]error{
		"pgx":    &pgconn.PgError{Code: "40001", TableName: "products"},
		"legacy": &legacypgconn.PgError{Code: "40001", TableName: "products"},
		"pq":     &pq.Error{Code: "40001", Table: "products"},
	}
	for name, driverErr := range cases {
		t.Run(name, func(t *testing.T) {
			pg, ok := AsPG(fmt.Errorf("reserve: %w", driverErr))
			if !ok || pg.Code != "40001" || pg.Table != "products" {
				t.Fatalf("unexpected %+v ok=%v", pg, ok)
			}
			if !pg.Transient() {
				t.Fatal("serialization failure should be transient")
			}
		})
	}
	if _, ok := AsPG(stdErrors.New("plain")); ok {
		t.Fatal("plain error is not a pg error")
	}
}

func TestDumpWalksJoinedErrors(t *testing.T) {
	err := stdErrors.Join(stdErrors.New("publish failed"), New(CodeDependency, "release lease"))
	dump := Dump(err)
	if len(dump.Chain) != 3 {
		t.Fatalf("expected join plus both branches, got %v", dump.Chain)
	}
	if dump.Code != CodeDependency {
		t.Fatalf("expected code from joined branch, got %s", dump.Code)
	}
}

func TestClassifyMapsUntypedCauses(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code Code
	}{
		{"typed passes through", New(CodeNotFound, "order not found"), CodeNotFound},
		{"serialization failure", fmt.Errorf("checkout: %w", &pgconn.PgError{Code: "40001"}), CodeConcurrentUpdate},
		{"deadline", fmt.Errorf("reserve: %w", context.DeadlineExceeded), CodeDependency},
		{"unique violation stays internal", &pgconn.PgError{Code: "23505"}, CodeInternal},
		{"nil", nil, CodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err).Code(); got != tc.code {
				t.Fatalf("expected %s, got %s", tc.code, got)
			}
		})
	}
	if !MetadataFor(CodeConcurrentUpdate).Retryable {
		t.Fatal("concurrent updates should be retryable")
	}
}
