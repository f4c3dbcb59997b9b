// Package ingest loads source records from upstream export files. Each file
// carries one tenant snapshot with the three record streams side by side.
package ingest

import (
	"encoding/json"
	"os"

	"multisource-reconciliation-engine/internal/models"
	apperrors "multisource-reconciliation-engine/pkg/errors"
)

// Batch is the on-disk export format: the three source streams of one or more
// tenants, exported as they stand upstream.
type Batch struct {
	Expenses         []*models.ExpenseRecord   `json:"expenses,omitempty"`
	BankTransactions []*models.BankTransaction `json:"bank_transactions,omitempty"`
	FiscalInvoices   []*models.FiscalInvoice   `json:"fiscal_invoices,omitempty"`
}

// Records flattens the batch into the pipeline's record slice. Per-record
// validation is left to the pipeline so one malformed record is reported, not
// fatal for the file.
func (b *Batch) Records() []models.SourceRecord {
	out := make([]models.SourceRecord, 0, len(b.Expenses)+len(b.BankTransactions)+len(b.FiscalInvoices))
	for _, rec := range b.Expenses {
		out = append(out, rec)
	}
	for _, rec := range b.BankTransactions {
		out = append(out, rec)
	}
	for _, rec := range b.FiscalInvoices {
		out = append(out, rec)
	}
	return out
}

// LoadFile reads and decodes one export file.
func LoadFile(path string) (*Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CategoryValidation, apperrors.CodeInvalidRequest,
			"cannot read records file "+path)
	}
	return Decode(data)
}

// Decode parses an export payload.
func Decode(data []byte) (*Batch, error) {
	var batch Batch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CategoryValidation, apperrors.CodeInvalidRequest,
			"malformed records payload")
	}
	return &batch, nil
}

// LoadFiles reads several export files and merges their records.
func LoadFiles(paths []string) ([]models.SourceRecord, error) {
	var out []models.SourceRecord
	for _, path := range paths {
		batch, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		out = append(out, batch.Records()...)
	}
	return out, nil
}
