package validators

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mercadofree/mercadofree-backend/pkg/enums"
	pkgerrors "github.com/mercadofree/mercadofree-backend/pkg/errors"
)

type sampleBody struct {
	Name     string `json:"name" validate:"required,max=5"`
	Quantity int    `json:"quantity" validate:"gt=0"`
}

func TestDecodeJSONBodyReportsJSONFieldNames(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"toolong","quantity":0}`))
	var body sampleBody
	err := DecodeJSONBody(req, &body)
	require.Error(t, err)

	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeValidation, typed.Code())
	details, ok := typed.Details().(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "must be at most 5 characters", details["name"])
	assert.Equal(t, "must be greater than 0", details["quantity"])
}

func TestDecodeJSONBodyRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"ok","quantity":1,"extra":true}`))
	var body sampleBody
	err := DecodeJSONBody(req, &body)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

type sampleCart struct {
	Items  []sampleItem        `json:"items" validate:"required,min=1,dive"`
	Method enums.PaymentMethod `json:"payment_method,omitempty" validate:"omitempty,enum"`
	Status enums.OrderStatus   `json:"status,omitempty" validate:"omitempty,enum"`
}

type sampleItem struct {
	Quantity int `json:"quantity" validate:"gt=0"`
}

func TestDecodeJSONBodyReportsIndexedPathsAndEnums(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"items":[{"quantity":1},{"quantity":0}],"payment_method":"cash","status":"shipped"}`))
	var body sampleCart
	err := DecodeJSONBody(req, &body)

	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	details, ok := typed.Details().(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "must be greater than 0", details["items[1].quantity"])
	assert.Equal(t, `"cash" is not a known value`, details["payment_method"])
	assert.Equal(t, `"shipped" is not a known value`, details["status"])

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"items":[],"payment_method":"pix"}`))
	typed = pkgerrors.As(DecodeJSONBody(req, &sampleCart{}))
	require.NotNil(t, typed)
	assert.Equal(t, map[string]string{"items": "must have at least 1 entries"}, typed.Details())
}

func TestDecodeJSONBodyRejectsMalformedEnvelopes(t *testing.T) {
	cases := map[string]struct {
		body    string
		message string
	}{
		"empty":          {body: "", message: "request body is required"},
		"trailing value": {body: `{"name":"ok","quantity":1} {"name":"x"}`, message: "request body must hold a single JSON object"},
		"too large":      {body: `{"name":"` + strings.Repeat("a", MaxBodyBytes) + `"}`, message: "request body too large"},
		"wrong type":     {body: `{"name":"ok","quantity":"two"}`, message: "invalid request body"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			typed := pkgerrors.As(DecodeJSONBody(req, &sampleBody{}))
			require.NotNil(t, typed)
			assert.Equal(t, pkgerrors.CodeValidation, typed.Code())
			assert.Equal(t, tc.message, typed.Message())
		})
	}
}

func TestParseUUIDParam(t *testing.T) {
	id := uuid.New()
	rc := chi.NewRouteContext()
	rc.URLParams.Add("orderId", id.String())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rc))

	got, err := ParseUUIDParam(req, "orderId")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = ParseUUIDParam(req, "paymentId")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestParsePaginationAndStatus(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=5&cursor=abc&status=paid", nil)
	params, err := ParsePagination(req)
	require.NoError(t, err)
	assert.Equal(t, 5, params.Limit)
	assert.Equal(t, "abc", params.Cursor)

	status, err := ParseOrderStatusQuery(req)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, "paid", string(*status))

	bad := httptest.NewRequest(http.MethodGet, "/?limit=1000&status=shipped", nil)
	_, err = ParsePagination(bad)
	assert.Error(t, err)
	_, err = ParseOrderStatusQuery(bad)
	assert.Error(t, err)
}

func TestSanitizeStringKeepsWholeRunes(t *testing.T) {
	note := "a" + strings.Repeat("é", 499)
	got := SanitizeString(note, 500)
	assert.Equal(t, note, got)
	assert.True(t, utf8.ValidString(got))

	cut := SanitizeString("  "+strings.Repeat("ã", 10)+"  ", 4)
	assert.Equal(t, "ãããã", cut)
	assert.True(t, utf8.ValidString(cut))
}

func TestSanitizeStringDropsControlCharacters(t *testing.T) {
	assert.Equal(t, "retirar na loja\nàs 18h", SanitizeString("\x00retirar na loja\x07\nàs 18h\r", 0))
	assert.Equal(t, "ok", SanitizeString("ok\xff", 10))
	assert.Equal(t, "", SanitizeString("   ", 10))
}

func TestParseQueryIntBounds(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=abc", nil)
	_, err := ParseQueryInt(req, "limit", 20, 1, 100)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, map[string]any{"field": "limit"}, typed.Details())

	req = httptest.NewRequest(http.MethodGet, "/?limit=0", nil)
	_, err = ParseQueryInt(req, "limit", 20, 1, 100)
	typed = pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, map[string]any{"field": "limit", "min": 1, "max": 100}, typed.Details())

	got, err := ParseQueryInt(httptest.NewRequest(http.MethodGet, "/", nil), "limit", 20, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, 20, got)
}
