// Package models defines the source record variants, match records and
// amount types shared by every stage of the reconciliation pipeline.
//
// Three independent upstream streams feed the engine: user-entered expense
// records, tax-authority fiscal invoices, and bank-statement transactions.
// They describe the same economic events but arrive asynchronously and with
// different precision, so each variant keeps its native fields while exposing
// the common SourceRecord interface the matching layers operate on.
package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	apperrors "multisource-reconciliation-engine/pkg/errors"
)

// SourceType discriminates the three record variants.
type SourceType string

const (
	SourceExpense         SourceType = "expense"
	SourceBankTransaction SourceType = "bank_transaction"
	SourceFiscalInvoice   SourceType = "fiscal_invoice"
)

// IsValid checks if the source type is one of the three known variants.
func (s SourceType) IsValid() bool {
	switch s {
	case SourceExpense, SourceBankTransaction, SourceFiscalInvoice:
		return true
	}
	return false
}

// ReconStatus is the reconciliation lifecycle status of a source record.
// Transitions only move forward (unmatched -> partially_matched -> matched)
// except on explicit supersession or the manual excluded override.
type ReconStatus string

const (
	StatusUnmatched        ReconStatus = "unmatched"
	StatusPartiallyMatched ReconStatus = "partially_matched"
	StatusMatched          ReconStatus = "matched"
	StatusExcluded         ReconStatus = "excluded"
)

// IsValid checks if the status is a known lifecycle state.
func (s ReconStatus) IsValid() bool {
	switch s {
	case StatusUnmatched, StatusPartiallyMatched, StatusMatched, StatusExcluded:
		return true
	}
	return false
}

// rank orders statuses along the forward-only lifecycle.
func (s ReconStatus) rank() int {
	switch s {
	case StatusUnmatched:
		return 0
	case StatusPartiallyMatched:
		return 1
	case StatusMatched:
		return 2
	case StatusExcluded:
		return 3
	}
	return -1
}

// CanTransition reports whether moving from s to next is a legal forward
// transition. Reversal (matched back to partially_matched/unmatched) is only
// legal through supersession, which callers signal with allowReversal.
func (s ReconStatus) CanTransition(next ReconStatus, allowReversal bool) bool {
	if !s.IsValid() || !next.IsValid() {
		return false
	}
	if s == StatusExcluded {
		// Terminal unless explicitly reopened.
		return allowReversal
	}
	if allowReversal {
		return true
	}
	return next.rank() >= s.rank()
}

// Money carries an amount in its native currency together with the exchange
// rate to the tenant's base currency. Conversion policy is upstream; the
// engine only consumes the pre-computed rate.
type Money struct {
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	ExchangeRate decimal.Decimal `json:"exchange_rate"`
}

// NewMoney creates a Money value. A zero exchange rate is normalized to 1
// (native currency already is the base currency).
func NewMoney(amount decimal.Decimal, currency string, rate decimal.Decimal) Money {
	if rate.IsZero() {
		rate = decimal.NewFromInt(1)
	}
	return Money{Amount: amount, Currency: currency, ExchangeRate: rate}
}

// Normalized returns the amount expressed in the tenant's base currency.
func (m Money) Normalized() decimal.Decimal {
	return m.Amount.Mul(m.ExchangeRate)
}

// Validate rejects zero or negative amounts and missing currency codes.
func (m Money) Validate() error {
	if m.Amount.IsZero() {
		return apperrors.Validation(apperrors.CodeMissingAmount, "amount is required and cannot be zero")
	}
	if m.Amount.IsNegative() {
		return apperrors.Validation(apperrors.CodeInvalidRecord, "amount cannot be negative; direction is carried by the record type")
	}
	if strings.TrimSpace(m.Currency) == "" {
		return apperrors.Validation(apperrors.CodeMissingField, "currency code is required")
	}
	if m.ExchangeRate.IsNegative() || m.ExchangeRate.IsZero() {
		return apperrors.Validation(apperrors.CodeInvalidRecord, "exchange rate must be positive")
	}
	return nil
}

// Counterparty identifies the other party of an economic event. TaxID is the
// strong identity when present; Name is the free-text fallback.
type Counterparty struct {
	TaxID string `json:"tax_id,omitempty"`
	Name  string `json:"name,omitempty"`
}

// HasIdentity reports whether any identity signal is available at all.
func (c Counterparty) HasIdentity() bool {
	return strings.TrimSpace(c.TaxID) != "" || strings.TrimSpace(c.Name) != ""
}

// SourceRecord is the common read surface over the three record variants.
// The engine has write access only to the reconciliation status and
// allocated-amount bookkeeping; everything else is owned upstream.
type SourceRecord interface {
	RecordID() string
	TenantID() string
	Source() SourceType
	Money() Money
	EventDate() time.Time
	Party() Counterparty
	Text() string
	Status() ReconStatus
	SetStatus(ReconStatus)
	Validate() error
}

// baseRecord holds the fields shared by all three variants.
type baseRecord struct {
	ID           string       `json:"id"`
	Tenant       string       `json:"tenant_id"`
	Amount       Money        `json:"money"`
	Date         time.Time    `json:"event_date"`
	Counterparty Counterparty `json:"counterparty"`
	Description  string       `json:"description"`
	ReconStatus  ReconStatus  `json:"status"`
}

func (b *baseRecord) RecordID() string        { return b.ID }
func (b *baseRecord) TenantID() string        { return b.Tenant }
func (b *baseRecord) Money() Money            { return b.Amount }
func (b *baseRecord) EventDate() time.Time    { return b.Date }
func (b *baseRecord) Party() Counterparty     { return b.Counterparty }
func (b *baseRecord) Text() string            { return b.Description }
func (b *baseRecord) Status() ReconStatus     { return b.ReconStatus }
func (b *baseRecord) SetStatus(s ReconStatus) { b.ReconStatus = s }

// validate enforces the ingestion boundary contract: records with missing
// amount or date are a fatal validation error, never silently skipped.
func (b *baseRecord) validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return apperrors.Validation(apperrors.CodeMissingField, "record ID is required")
	}
	if strings.TrimSpace(b.Tenant) == "" {
		return apperrors.Validation(apperrors.CodeMissingField, "tenant ID is required")
	}
	if err := b.Amount.Validate(); err != nil {
		return err
	}
	if b.Date.IsZero() {
		return apperrors.Validation(apperrors.CodeMissingDate, "event date is required")
	}
	if b.ReconStatus == "" {
		b.ReconStatus = StatusUnmatched
	}
	if !b.ReconStatus.IsValid() {
		return apperrors.Newf(apperrors.CategoryValidation, apperrors.CodeInvalidRecord,
			"unknown reconciliation status %q", b.ReconStatus)
	}
	return nil
}

// ExpenseRecord is a user-entered expense. InvoiceRef, when set, is an
// upstream-asserted link to a fiscal invoice and acts as a strong key for
// exact matching.
type ExpenseRecord struct {
	baseRecord
	InvoiceRef string `json:"invoice_ref,omitempty"`
}

// NewExpenseRecord creates an unmatched expense record.
func NewExpenseRecord(id, tenant string, money Money, date time.Time, party Counterparty, description string) *ExpenseRecord {
	return &ExpenseRecord{baseRecord: baseRecord{
		ID: id, Tenant: tenant, Amount: money, Date: date,
		Counterparty: party, Description: description, ReconStatus: StatusUnmatched,
	}}
}

func (e *ExpenseRecord) Source() SourceType { return SourceExpense }

// Validate enforces the ingestion boundary contract for expenses.
func (e *ExpenseRecord) Validate() error { return e.validate() }

// BankTransaction is one movement from a parsed bank statement. Reference is
// the bank's statement reference number; the memo often embeds a fiscal
// document identifier.
type BankTransaction struct {
	baseRecord
	Reference string `json:"reference,omitempty"`
	Memo      string `json:"memo,omitempty"`
}

// NewBankTransaction creates an unmatched bank transaction.
func NewBankTransaction(id, tenant string, money Money, date time.Time, party Counterparty, description, reference, memo string) *BankTransaction {
	return &BankTransaction{
		baseRecord: baseRecord{
			ID: id, Tenant: tenant, Amount: money, Date: date,
			Counterparty: party, Description: description, ReconStatus: StatusUnmatched,
		},
		Reference: reference,
		Memo:      memo,
	}
}

func (b *BankTransaction) Source() SourceType { return SourceBankTransaction }

// Validate enforces the ingestion boundary contract for bank transactions.
func (b *BankTransaction) Validate() error { return b.validate() }

// Text returns the searchable free text of the transaction, combining the
// description with the memo lines.
func (b *BankTransaction) Text() string {
	if b.Memo == "" {
		return b.Description
	}
	if b.Description == "" {
		return b.Memo
	}
	return b.Description + " " + b.Memo
}

// FiscalInvoice is a tax-authority-registered electronic invoice. FiscalID is
// the authority-issued unique identifier and the strongest key the engine
// ever sees.
type FiscalInvoice struct {
	baseRecord
	FiscalID string `json:"fiscal_id"`
}

// NewFiscalInvoice creates an unmatched fiscal invoice.
func NewFiscalInvoice(id, tenant, fiscalID string, money Money, date time.Time, party Counterparty, description string) *FiscalInvoice {
	return &FiscalInvoice{
		baseRecord: baseRecord{
			ID: id, Tenant: tenant, Amount: money, Date: date,
			Counterparty: party, Description: description, ReconStatus: StatusUnmatched,
		},
		FiscalID: fiscalID,
	}
}

func (f *FiscalInvoice) Source() SourceType { return SourceFiscalInvoice }

// Validate enforces the ingestion boundary contract for fiscal invoices.
func (f *FiscalInvoice) Validate() error {
	if err := f.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(f.FiscalID) == "" {
		return apperrors.Validation(apperrors.CodeMissingField, "fiscal invoice requires a fiscal identifier")
	}
	return nil
}
