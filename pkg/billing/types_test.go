package billing

import (
	"errors"
	"testing"
)

func TestNewUserIDValidation(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		raw     string
		want    string
		wantErr error
	}{
		{name: "plain id", raw: "user-1", want: "user-1"},
		{name: "trims whitespace", raw: "  user-1  ", want: "user-1"},
		{name: "empty", raw: "", wantErr: ErrInvalidUserID},
		{name: "whitespace only", raw: "   ", wantErr: ErrInvalidUserID},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			userID, err := NewUserID(testCase.raw)
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf(errorMismatchMessage, testCase.wantErr, err)
			}
			if err == nil && userID.String() != testCase.want {
				test.Fatalf("expected %q, got %q", testCase.want, userID.String())
			}
		})
	}
}

func TestNewMetadataJSONValidation(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		raw     string
		want    string
		wantErr error
	}{
		{name: "object", raw: `{"a":1}`, want: `{"a":1}`},
		{name: "empty defaults to object", raw: "", want: "{}"},
		{name: "invalid json", raw: "{not json", wantErr: ErrInvalidMetadataJSON},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			metadata, err := NewMetadataJSON(testCase.raw)
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf(errorMismatchMessage, testCase.wantErr, err)
			}
			if err == nil && metadata.String() != testCase.want {
				test.Fatalf("expected %q, got %q", testCase.want, metadata.String())
			}
		})
	}
}

func TestNewCreditAmountRequiresPositive(test *testing.T) {
	test.Parallel()
	if _, err := NewCreditAmount(0); !errors.Is(err, ErrInvalidCreditAmount) {
		test.Fatalf(errorMismatchMessage, ErrInvalidCreditAmount, err)
	}
	if _, err := NewCreditAmount(-5); !errors.Is(err, ErrInvalidCreditAmount) {
		test.Fatalf(errorMismatchMessage, ErrInvalidCreditAmount, err)
	}
	amount, err := NewCreditAmount(7)
	if err != nil {
		test.Fatalf("credit amount: %v", err)
	}
	if amount.Int64() != 7 {
		test.Fatalf("expected 7, got %d", amount.Int64())
	}
}

func TestParseTransactionStatus(test *testing.T) {
	test.Parallel()
	for _, raw := range []string{"pending", "paid"} {
		status, err := ParseTransactionStatus(raw)
		if err != nil {
			test.Fatalf("parse %q: %v", raw, err)
		}
		if status.String() != raw {
			test.Fatalf("expected %q, got %q", raw, status.String())
		}
	}
	if _, err := ParseTransactionStatus("refunded"); !errors.Is(err, ErrInvalidTransactionStatus) {
		test.Fatalf(errorMismatchMessage, ErrInvalidTransactionStatus, err)
	}
}

func TestParseOperationKind(test *testing.T) {
	test.Parallel()
	kind, err := ParseOperationKind(" text ")
	if err != nil {
		test.Fatalf("parse kind: %v", err)
	}
	if kind != OperationText {
		test.Fatalf("expected text kind, got %q", kind)
	}
	if _, err := ParseOperationKind("video"); !errors.Is(err, ErrInvalidOperationKind) {
		test.Fatalf(errorMismatchMessage, ErrInvalidOperationKind, err)
	}
}
