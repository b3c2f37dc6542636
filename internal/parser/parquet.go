// Package parser decodes columnar asset tables and reshapes them into the
// node/link graph rendered by the dashboard.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/fortifai/core/internal/models"
)

// ErrEmptyInput is returned when there are no bytes to decode.
var ErrEmptyInput = errors.New("empty parquet data")

const rowBatchSize = 256

func ParseDirectory(data []byte) ([]models.DirectoryEntry, error) {
	if len(data) == 0 {
		return nil, ErrEmptyInput
	}

	rows, err := parquet.Read[models.DirectoryEntry](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to read asset directory: %w", err)
	}

	entries := make([]models.DirectoryEntry, 0, len(rows))
	for _, row := range rows {
		row.AssetType = strings.TrimSpace(row.AssetType)
		row.AssetTable = strings.TrimSpace(row.AssetTable)
		if row.AssetType == "" || row.AssetTable == "" {
			continue
		}
		entries = append(entries, row)
	}

	return entries, nil
}

// ParseRecords decodes a parquet file of arbitrary schema into records
// keyed by column path. Nested paths are joined with ".".
func ParseRecords(data []byte) ([]models.Record, error) {
	if len(data) == 0 {
		return nil, ErrEmptyInput
	}

	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}

	columns := leafColumns(file.Schema())
	records := make([]models.Record, 0, file.NumRows())

	for _, rowGroup := range file.RowGroups() {
		if err := readRowGroup(rowGroup, columns, &records); err != nil {
			return nil, err
		}
	}

	return records, nil
}

type column struct {
	name     string
	repeated bool
}

// leafColumns lists the leaf columns of schema in column-index order.
func leafColumns(schema *parquet.Schema) []column {
	paths := schema.Columns()
	columns := make([]column, len(paths))
	for i, path := range paths {
		columns[i].name = strings.Join(path, ".")
		if leaf, ok := schema.Lookup(path...); ok {
			columns[i].repeated = leaf.MaxRepetitionLevel > 0
		}
	}
	return columns
}

func readRowGroup(rowGroup parquet.RowGroup, columns []column, out *[]models.Record) error {
	rows := rowGroup.Rows()
	defer rows.Close()

	buf := make([]parquet.Row, rowBatchSize)
	for {
		n, err := rows.ReadRows(buf)
		for _, row := range buf[:n] {
			*out = append(*out, toRecord(columns, row))
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read rows: %w", err)
		}
		if n == 0 {
			return nil
		}
	}
}

// toRecord flattens row. Repeated columns are always []any, empty for an
// empty list; null list elements are dropped.
func toRecord(columns []column, row parquet.Row) models.Record {
	record := make(models.Record, len(columns))
	for _, col := range columns {
		if col.repeated {
			record[col.name] = []any{}
		}
	}

	for _, v := range row {
		idx := v.Column()
		if idx < 0 || idx >= len(columns) {
			continue
		}
		col := columns[idx]
		if !col.repeated {
			record[col.name] = convertValue(v)
			continue
		}
		if v.IsNull() {
			continue
		}
		record[col.name] = append(record[col.name].([]any), convertValue(v))
	}

	return record
}

func convertValue(v parquet.Value) any {
	if v.IsNull() {
		return nil
	}

	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return v.Int32()
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return v.Float()
	case parquet.Double:
		return v.Double()
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return string(v.ByteArray())
	default:
		return v.String()
	}
}
