package ingest

import (
	"context"
	"encoding/binary"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/evyataryagoni/ipgeo/internal/addrkey"
)

// SplitStats counts rows written per family
type SplitStats struct {
	RowsV4 int
	RowsV6 int
}

// Rows returns the total number of rows written
func (s SplitStats) Rows() int {
	return s.RowsV4 + s.RowsV6
}

// SplitByFamily copies every row of src to v4 or v6 according to its family,
// rewriting the endpoints as the unsigned decimal value (IPv4) or the
// 32-digit lowercase hex value (IPv6). Rows are validated like ingestion
// rows; strict applies to numeric fields. progress, if set, is called every
// progressEvery rows and once at the end. ctx is checked at the same points.
func SplitByFamily(ctx context.Context, src *Source, v4, v6 io.Writer, strict bool, progressEvery int, progress func(rows int)) (SplitStats, error) {
	var stats SplitStats
	out := map[addrkey.Family]*csv.Writer{
		addrkey.V4: csv.NewWriter(v4),
		addrkey.V6: csv.NewWriter(v6),
	}

	for {
		row, fields, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, err
		}
		rec, _, err := ParseRow(row, fields, strict)
		if err != nil {
			return stats, err
		}

		record := make([]string, FieldCount)
		copy(record, fields[:FieldCount])
		record[colIPStart] = endpointText(rec.Start)
		record[colIPEnd] = endpointText(rec.End)

		family := rec.Family()
		if err := out[family].Write(record); err != nil {
			return stats, fmt.Errorf("write %s row %d: %w", family, row, err)
		}
		if family == addrkey.V4 {
			stats.RowsV4++
		} else {
			stats.RowsV6++
		}

		if progressEvery > 0 && stats.Rows()%progressEvery == 0 {
			if err := ctx.Err(); err != nil {
				return stats, fmt.Errorf("%w after %d rows: %w", ErrCancelled, stats.Rows(), err)
			}
			if progress != nil {
				progress(stats.Rows())
			}
		}
	}

	for _, family := range addrkey.Families {
		w := out[family]
		w.Flush()
		if err := w.Error(); err != nil {
			return stats, fmt.Errorf("flush %s output: %w", family, err)
		}
	}
	if progress != nil {
		progress(stats.Rows())
	}
	return stats, nil
}

// endpointText renders a key as an unsigned integer (IPv4) or fixed-width hex (IPv6)
func endpointText(k addrkey.Key) string {
	if k.Family() == addrkey.V4 {
		return strconv.FormatUint(uint64(binary.BigEndian.Uint32(k)), 10)
	}
	return k.Hex()
}
