package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mercadofree/mercadofree-backend/pkg/enums"
	"github.com/mercadofree/mercadofree-backend/pkg/logger"
	"github.com/mercadofree/mercadofree-backend/pkg/outbox"
	"github.com/mercadofree/mercadofree-backend/pkg/types"
)

func TestLoggingNamesRouteOrderAndActor(t *testing.T) {
	buf := &bytes.Buffer{}
	logg := logger.New(logger.Options{ServiceName: "test", Level: zerolog.DebugLevel, Output: buf})
	userID := uuid.New()
	orderID := uuid.New()

	r := chi.NewRouter()
	r.Use(RequestID(logg), Logging(logg))
	r.Group(func(r chi.Router) {
		r.Use(Auth(testJWT, logg))
		r.Post("/api/v1/orders/{orderId}/cancel", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/"+orderID.String()+"/cancel", nil)
	req.Header.Set("Authorization", "Bearer "+mintTestToken(t, testJWT, userID, enums.ActorRoleCustomer))
	req.Header.Set(types.RequestIDHeader, "req-7")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var line string
	for _, l := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if strings.Contains(l, "request.complete") {
			line = l
		}
	}
	if line == "" {
		t.Fatalf("no access line in %s", buf.String())
	}
	for _, want := range []string{
		`"route":"/api/v1/orders/{orderId}/cancel"`,
		`"order_id":"` + orderID.String() + `"`,
		`"user_id":"` + userID.String() + `"`,
		`"actor_role":"customer"`,
		`"request_id":"req-7"`,
		`"status":200`,
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %s in %s", want, line)
		}
	}
}

func TestLoggingWithoutLoggerPassesThrough(t *testing.T) {
	rec := httptest.NewRecorder()
	Logging(nil)(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
}

func TestRequestIDReplacesMalformedIDs(t *testing.T) {
	cases := map[string]bool{
		"abc-123_x.y":           true,
		"":                      false,
		"has space":             false,
		"line\nbreak":           false,
		strings.Repeat("a", 65): false,
		strings.Repeat("a", 64): true,
	}
	for id, kept := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(types.RequestIDHeader, id)
		rec := httptest.NewRecorder()
		RequestID(nil)(okHandler()).ServeHTTP(rec, req)

		got := rec.Header().Get(types.RequestIDHeader)
		if got == "" {
			t.Fatalf("expected a request id for %q", id)
		}
		if kept && got != id {
			t.Fatalf("expected %q to be kept, got %q", id, got)
		}
		if !kept && got == id {
			t.Fatalf("expected %q to be replaced", id)
		}
	}
}

func TestRequestIDCorrelatesOutboxEvents(t *testing.T) {
	var correlation string
	handler := RequestID(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlation = outbox.CorrelationID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(types.RequestIDHeader, "req-9")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if correlation != "req-9" {
		t.Fatalf("expected correlation id req-9, got %q", correlation)
	}
}

func TestRecovererWritesInternalError(t *testing.T) {
	buf := &bytes.Buffer{}
	logg := logger.New(logger.Options{ServiceName: "test", Output: buf})

	r := chi.NewRouter()
	r.Use(Recoverer(logg))
	r.Get("/api/v1/orders/{orderId}", func(http.ResponseWriter, *http.Request) {
		panic("lost the order row")
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/orders/o-1", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "lost the order row") {
		t.Fatalf("panic value leaked: %s", rec.Body.String())
	}
	if !strings.Contains(buf.String(), `"order_id":"o-1"`) || !strings.Contains(buf.String(), "panic.recovered") {
		t.Fatalf("expected recovery log with order id, got %s", buf.String())
	}
}
