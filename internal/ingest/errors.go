package ingest

import (
	"errors"
	"fmt"

	"github.com/evyataryagoni/ipgeo/internal/addrkey"
)

// ErrCancelled is wrapped, together with the context error, when a run stops
// at a batch boundary because its context was cancelled
var ErrCancelled = errors.New("ingestion cancelled")

// Every error below aborts the whole run. Rows are numbered from 1 and
// count every record read, the header included.

// InputAccessError means the input could not be opened or read.
// Row is 0 when the failure happened before any record was read.
type InputAccessError struct {
	Source string
	Row    int
	Err    error
}

func (e *InputAccessError) Error() string {
	if e.Row > 0 {
		return fmt.Sprintf("read %s at row %d: %v", e.Source, e.Row, e.Err)
	}
	return fmt.Sprintf("open %s: %v", e.Source, e.Err)
}

func (e *InputAccessError) Unwrap() error { return e.Err }

// MissingFieldError means a row has fewer fields than the schema requires
type MissingFieldError struct {
	Row   int
	Field string // first expected field that is absent
	Got   int    // number of fields present
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("row %d: missing field %q (%d of %d fields present)", e.Row, e.Field, e.Got, FieldCount)
}

// AddressParseError means ip_start or ip_end is not an IP literal
type AddressParseError struct {
	Row   int
	Field string
	Value string
	Err   error
}

func (e *AddressParseError) Error() string {
	return fmt.Sprintf("row %d: invalid %s %q: %v", e.Row, e.Field, e.Value, e.Err)
}

func (e *AddressParseError) Unwrap() error { return e.Err }

// FamilyMismatchError means ip_start and ip_end are of different families
type FamilyMismatchError struct {
	Row        int
	Start, End string
	StartFam   addrkey.Family
	EndFam     addrkey.Family
}

func (e *FamilyMismatchError) Error() string {
	return fmt.Sprintf("row %d: ip_start %s is %s but ip_end %s is %s", e.Row, e.Start, e.StartFam, e.End, e.EndFam)
}

// InvalidRangeError means ip_start is greater than ip_end
type InvalidRangeError struct {
	Row        int
	Start, End string
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("row %d: ip_start %s is after ip_end %s", e.Row, e.Start, e.End)
}

// OverlapError means a range does not start after the previous range of its
// family ended. Only raised when overlap checking is enabled.
type OverlapError struct {
	Row         int
	Start       string
	PreviousEnd string
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("row %d: range starting at %s overlaps or precedes previous range ending at %s", e.Row, e.Start, e.PreviousEnd)
}

// NumericFieldError means a non-blank numeric field did not parse in strict mode
type NumericFieldError struct {
	Row   int
	Field string
	Value string
	Err   error
}

func (e *NumericFieldError) Error() string {
	return fmt.Sprintf("row %d: invalid %s %q: %v", e.Row, e.Field, e.Value, e.Err)
}

func (e *NumericFieldError) Unwrap() error { return e.Err }

// SchemaCreationError means the destination could not create a family table.
// Nothing has been committed when it is returned.
type SchemaCreationError struct {
	Family addrkey.Family
	Err    error
}

func (e *SchemaCreationError) Error() string {
	return fmt.Sprintf("create schema for %s: %v", e.Family, e.Err)
}

func (e *SchemaCreationError) Unwrap() error { return e.Err }

// BatchCommitError means the destination rejected a batch.
// Batches committed before it stay committed.
type BatchCommitError struct {
	Batch     int // 1-based index of the failed batch
	Committed int // rows committed by earlier batches
	Err       error
}

func (e *BatchCommitError) Error() string {
	return fmt.Sprintf("batch %d failed after %d committed rows: %v", e.Batch, e.Committed, e.Err)
}

func (e *BatchCommitError) Unwrap() error { return e.Err }

// errorKind names an ingestion error for metrics
func errorKind(err error) string {
	var (
		inputErr   *InputAccessError
		missingErr *MissingFieldError
		addrErr    *AddressParseError
		familyErr  *FamilyMismatchError
		rangeErr   *InvalidRangeError
		overlapErr *OverlapError
		numericErr *NumericFieldError
		schemaErr  *SchemaCreationError
		commitErr  *BatchCommitError
	)
	switch {
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.As(err, &inputErr):
		return "input_access"
	case errors.As(err, &missingErr):
		return "missing_field"
	case errors.As(err, &addrErr):
		return "address_parse"
	case errors.As(err, &familyErr):
		return "family_mismatch"
	case errors.As(err, &rangeErr):
		return "invalid_range"
	case errors.As(err, &overlapErr):
		return "overlap"
	case errors.As(err, &numericErr):
		return "numeric_field"
	case errors.As(err, &schemaErr):
		return "schema_creation"
	case errors.As(err, &commitErr):
		return "batch_commit"
	default:
		return "other"
	}
}
