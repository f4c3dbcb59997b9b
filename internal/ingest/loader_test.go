package ingest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"multisource-reconciliation-engine/internal/models"
	apperrors "multisource-reconciliation-engine/pkg/errors"
)

const samplePayload = `{
  "expenses": [
    {
      "id": "E1",
      "tenant_id": "tenant-a",
      "money": {"amount": "150.50", "currency": "MXN", "exchange_rate": "1"},
      "event_date": "2024-03-10T00:00:00Z",
      "counterparty": {"tax_id": "XAXX010101000", "name": "ACME"},
      "description": "office supplies",
      "invoice_ref": "AAA111222333"
    }
  ],
  "bank_transactions": [
    {
      "id": "B1",
      "tenant_id": "tenant-a",
      "money": {"amount": "150.50", "currency": "MXN", "exchange_rate": "1"},
      "event_date": "2024-03-11T00:00:00Z",
      "counterparty": {"tax_id": "XAXX010101000"},
      "memo": "pago AAA111222333"
    }
  ],
  "fiscal_invoices": [
    {
      "id": "F1",
      "tenant_id": "tenant-a",
      "money": {"amount": "150.50", "currency": "MXN", "exchange_rate": "1"},
      "event_date": "2024-03-09T00:00:00Z",
      "counterparty": {"tax_id": "XAXX010101000", "name": "ACME SA DE CV"},
      "fiscal_id": "AAA111222333"
    }
  ]
}`

func TestDecode(t *testing.T) {
	batch, err := Decode([]byte(samplePayload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(batch.Expenses) != 1 || len(batch.BankTransactions) != 1 || len(batch.FiscalInvoices) != 1 {
		t.Fatalf("stream sizes = %d/%d/%d, want 1/1/1",
			len(batch.Expenses), len(batch.BankTransactions), len(batch.FiscalInvoices))
	}

	exp := batch.Expenses[0]
	if exp.RecordID() != "E1" || exp.TenantID() != "tenant-a" {
		t.Errorf("expense identity = %s/%s", exp.RecordID(), exp.TenantID())
	}
	if !exp.Money().Amount.Equal(decimal.NewFromFloat(150.50)) {
		t.Errorf("expense amount = %s, want 150.50", exp.Money().Amount)
	}
	if exp.InvoiceRef != "AAA111222333" {
		t.Errorf("invoice ref = %q", exp.InvoiceRef)
	}

	tx := batch.BankTransactions[0]
	if tx.Memo != "pago AAA111222333" {
		t.Errorf("memo = %q", tx.Memo)
	}
	if tx.Party().TaxID != "XAXX010101000" {
		t.Errorf("counterparty = %+v", tx.Party())
	}

	inv := batch.FiscalInvoices[0]
	if inv.FiscalID != "AAA111222333" {
		t.Errorf("fiscal id = %q", inv.FiscalID)
	}
	if inv.EventDate().Day() != 9 {
		t.Errorf("event date = %s", inv.EventDate())
	}
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte(`{"expenses": [{"id": 42}]}`))
	if err == nil {
		t.Fatal("malformed payload must error")
	}
	if !apperrors.IsCategory(err, apperrors.CategoryValidation) {
		t.Errorf("expected validation category, got %v", err)
	}
}

func TestBatchRecords(t *testing.T) {
	batch, err := Decode([]byte(samplePayload))
	if err != nil {
		t.Fatal(err)
	}
	records := batch.Records()
	if len(records) != 3 {
		t.Fatalf("flattened records = %d, want 3", len(records))
	}
	sources := map[models.SourceType]bool{}
	for _, rec := range records {
		sources[rec.Source()] = true
	}
	if len(sources) != 3 {
		t.Errorf("source types = %v, want all three streams", sources)
	}
}

func TestLoadFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "export.json")
	if err := os.WriteFile(path, []byte(samplePayload), 0o644); err != nil {
		t.Fatal(err)
	}

	records, err := LoadFiles([]string{path, path})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != 6 {
		t.Errorf("records across two files = %d, want 6", len(records))
	}
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	if err == nil {
		t.Fatal("missing file must error")
	}
	if !apperrors.IsCategory(err, apperrors.CategoryValidation) {
		t.Errorf("expected validation category, got %v", err)
	}
}
