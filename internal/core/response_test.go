package core

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"roomio/internal/types"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp APIErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal error response: %v", err)
	}
	return resp.Error
}

func TestError_AppErrorMapsThroughCode(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(types.WithRequestID(req.Context(), "req-1"))
	rec := httptest.NewRecorder()

	Error(rec, req, types.NewAppErrorWithDetails(
		types.ErrCodeInsufficientBalance,
		"balance too low",
		nil,
		map[string]any{"balance": 5},
	))

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}
	detail := decodeError(t, rec)
	if detail.Code != string(types.ErrCodeInsufficientBalance) {
		t.Errorf("expected insufficient_balance code, got %q", detail.Code)
	}
	if detail.Message != "balance too low" {
		t.Errorf("unexpected message %q", detail.Message)
	}
	if detail.RequestID != "req-1" {
		t.Errorf("expected request id propagated, got %q", detail.RequestID)
	}
}

func TestError_UnknownErrorIsOpaque500(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	Error(rec, req, errors.New("pgx: connection refused"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	detail := decodeError(t, rec)
	if detail.Code != string(types.ErrCodeInternalUnexpected) {
		t.Errorf("expected internal_unexpected_error, got %q", detail.Code)
	}
	if strings.Contains(detail.Message, "pgx") {
		t.Error("internal error detail must not leak to the client")
	}
}

func TestError_WrappedAppErrorIsUnwrapped(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	inner := types.NewAppError(types.ErrCodeGrantAlreadyUsed, "already claimed", nil)
	Error(rec, req, types.NewAppError(types.ErrCodeEventProcessing, "outer", inner))

	// errors.As finds the outermost AppError in the chain.
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 from outer code, got %d", rec.Code)
	}
}

func TestDecodeJSON(t *testing.T) {
	type dto struct {
		UserHash string `json:"user_hash"`
		Amount   int64  `json:"amount"`
	}

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid object", `{"user_hash":"u","amount":10}`, false},
		{"empty body", ``, true},
		{"malformed json", `{"user_hash":`, true},
		{"unknown field", `{"user_hash":"u","extra":true}`, true},
		{"wrong type", `{"amount":"ten"}`, true},
		{"trailing document", `{"amount":1}{"amount":2}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()

			var dst dto
			err := DecodeJSON(rec, req, &dst)
			if tt.wantErr {
				var appErr *types.AppError
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeValidationInvalidJSON {
					t.Errorf("expected validation_invalid_json, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if dst.UserHash != "u" || dst.Amount != 10 {
				t.Errorf("decoded wrong values: %+v", dst)
			}
		})
	}
}

func TestDecodeJSON_TypeErrorNamesField(t *testing.T) {
	type dto struct {
		Amount int64 `json:"amount"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount":"ten"}`))
	rec := httptest.NewRecorder()

	var dst dto
	err := DecodeJSON(rec, req, &dst)
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %v", err)
	}
	if appErr.Details["field"] != "amount" {
		t.Errorf("expected offending field in details, got %v", appErr.Details)
	}
}

func TestValidator_ReportsJSONFieldName(t *testing.T) {
	type dto struct {
		UserHash string `json:"user_hash" validate:"required"`
	}
	v := NewValidator()

	err := v.Struct(&dto{})
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %v", err)
	}
	if appErr.Code != types.ErrCodeValidationMissingField {
		t.Errorf("expected validation_missing_required_field, got %q", appErr.Code)
	}
	if appErr.Details["field"] != "user_hash" {
		t.Errorf("expected wire field name in details, got %v", appErr.Details)
	}

	if err := v.Struct(&dto{UserHash: "u"}); err != nil {
		t.Errorf("valid struct must pass, got %v", err)
	}
}
