package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testMoney(amount float64) Money {
	return Money{
		Amount:       decimal.NewFromFloat(amount),
		Currency:     "MXN",
		ExchangeRate: decimal.NewFromInt(1),
	}
}

func TestMoneyNormalized(t *testing.T) {
	m := Money{
		Amount:       decimal.NewFromFloat(100),
		Currency:     "USD",
		ExchangeRate: decimal.NewFromFloat(17.5),
	}
	if got := m.Normalized(); !got.Equal(decimal.NewFromFloat(1750)) {
		t.Errorf("Normalized() = %s, want 1750", got)
	}
}

func TestNewMoneyDefaultsRate(t *testing.T) {
	m := NewMoney(decimal.NewFromInt(50), "MXN", decimal.Zero)
	if !m.ExchangeRate.Equal(decimal.NewFromInt(1)) {
		t.Errorf("expected zero rate to default to 1, got %s", m.ExchangeRate)
	}
}

func TestMoneyValidate(t *testing.T) {
	tests := []struct {
		name    string
		money   Money
		wantErr bool
	}{
		{"valid", testMoney(100.50), false},
		{"zero amount", Money{Amount: decimal.Zero, Currency: "MXN", ExchangeRate: decimal.NewFromInt(1)}, true},
		{"negative amount", Money{Amount: decimal.NewFromInt(-5), Currency: "MXN", ExchangeRate: decimal.NewFromInt(1)}, true},
		{"missing currency", Money{Amount: decimal.NewFromInt(5), Currency: "", ExchangeRate: decimal.NewFromInt(1)}, true},
		{"zero exchange rate", Money{Amount: decimal.NewFromInt(5), Currency: "MXN", ExchangeRate: decimal.Zero}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.money.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestReconStatusCanTransition(t *testing.T) {
	tests := []struct {
		name          string
		from, to      ReconStatus
		allowReversal bool
		want          bool
	}{
		{"unmatched to partial", StatusUnmatched, StatusPartiallyMatched, false, true},
		{"partial to matched", StatusPartiallyMatched, StatusMatched, false, true},
		{"unmatched to matched", StatusUnmatched, StatusMatched, false, true},
		{"same status", StatusMatched, StatusMatched, false, true},
		{"matched back to unmatched", StatusMatched, StatusUnmatched, false, false},
		{"matched back via supersession", StatusMatched, StatusPartiallyMatched, true, true},
		{"excluded is terminal", StatusExcluded, StatusUnmatched, false, false},
		{"excluded reopened explicitly", StatusExcluded, StatusUnmatched, true, true},
		{"unknown status", ReconStatus("bogus"), StatusMatched, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to, tt.allowReversal); got != tt.want {
				t.Errorf("CanTransition(%s -> %s, reversal=%v) = %v, want %v",
					tt.from, tt.to, tt.allowReversal, got, tt.want)
			}
		})
	}
}

func TestExpenseRecordValidate(t *testing.T) {
	date := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	party := Counterparty{TaxID: "XAXX010101000", Name: "ACME SA DE CV"}

	valid := NewExpenseRecord("E1", "tenant-a", testMoney(100), date, party, "office supplies")
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid expense failed validation: %v", err)
	}

	tests := []struct {
		name string
		rec  *ExpenseRecord
	}{
		{"missing id", NewExpenseRecord("", "tenant-a", testMoney(100), date, party, "")},
		{"missing tenant", NewExpenseRecord("E1", "", testMoney(100), date, party, "")},
		{"missing amount", NewExpenseRecord("E1", "tenant-a", Money{Currency: "MXN", ExchangeRate: decimal.NewFromInt(1)}, date, party, "")},
		{"missing date", NewExpenseRecord("E1", "tenant-a", testMoney(100), time.Time{}, party, "")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.rec.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestValidateDefaultsStatus(t *testing.T) {
	rec := &ExpenseRecord{baseRecord: baseRecord{
		ID: "E1", Tenant: "tenant-a", Amount: testMoney(10),
		Date: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}}
	if err := rec.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status() != StatusUnmatched {
		t.Errorf("expected status to default to unmatched, got %s", rec.Status())
	}
}

func TestFiscalInvoiceValidateRequiresFiscalID(t *testing.T) {
	date := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	inv := NewFiscalInvoice("F1", "tenant-a", "", testMoney(100), date, Counterparty{}, "")
	if err := inv.Validate(); err == nil {
		t.Error("expected error for missing fiscal identifier")
	}

	inv = NewFiscalInvoice("F1", "tenant-a", "A1B2C3", testMoney(100), date, Counterparty{}, "")
	if err := inv.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestBankTransactionText(t *testing.T) {
	date := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name              string
		description, memo string
		want              string
	}{
		{"both", "PAYMENT", "REF 123", "PAYMENT REF 123"},
		{"description only", "PAYMENT", "", "PAYMENT"},
		{"memo only", "", "REF 123", "REF 123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := NewBankTransaction("B1", "tenant-a", testMoney(10), date, Counterparty{}, tt.description, "", tt.memo)
			if got := tx.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSourceTypeIsValid(t *testing.T) {
	for _, st := range []SourceType{SourceExpense, SourceBankTransaction, SourceFiscalInvoice} {
		if !st.IsValid() {
			t.Errorf("%s should be valid", st)
		}
	}
	if SourceType("other").IsValid() {
		t.Error("unknown source type should be invalid")
	}
}
