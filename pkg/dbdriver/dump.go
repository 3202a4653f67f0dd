package dbdriver

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// ProgressFunc is called after every batch of rows with the running total.
type ProgressFunc func(rows int64)

const progressEvery = 1000

// Dump writes every row of table to w in the given format and returns the
// number of rows written. The context is checked between rows.
func Dump(ctx context.Context, q Queryer, table string, format Format, w io.Writer, progress ProgressFunc) (int64, error) {
	rows, err := q.QueryxContext(ctx, "SELECT * FROM "+quoteIdent(table))
	if err != nil {
		return 0, fmt.Errorf("query %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return 0, fmt.Errorf("columns of %s: %w", table, err)
	}

	bw := bufio.NewWriter(w)
	var enc rowEncoder
	switch format {
	case FormatJSONL:
		enc = newJSONLEncoder(bw, cols)
	case FormatCSV:
		enc, err = newCSVEncoder(bw, cols)
		if err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("%w: format %q", ErrUnsupported, format)
	}

	var n int64
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		vals, err := rows.SliceScan()
		if err != nil {
			return n, fmt.Errorf("scan %s: %w", table, err)
		}
		if err := enc.encode(vals); err != nil {
			return n, fmt.Errorf("write %s: %w", table, err)
		}
		n++
		if progress != nil && n%progressEvery == 0 {
			progress(n)
		}
	}
	if err := rows.Err(); err != nil {
		return n, fmt.Errorf("read %s: %w", table, err)
	}
	if err := enc.flush(); err != nil {
		return n, fmt.Errorf("write %s: %w", table, err)
	}
	if err := bw.Flush(); err != nil {
		return n, fmt.Errorf("write %s: %w", table, err)
	}
	if progress != nil {
		progress(n)
	}
	return n, nil
}

type rowEncoder interface {
	encode(vals []any) error
	flush() error
}

type jsonlEncoder struct {
	enc  *json.Encoder
	cols []string
}

func newJSONLEncoder(w io.Writer, cols []string) *jsonlEncoder {
	return &jsonlEncoder{enc: json.NewEncoder(w), cols: cols}
}

func (e *jsonlEncoder) encode(vals []any) error {
	row := make(map[string]any, len(e.cols))
	for i, c := range e.cols {
		row[c] = jsonValue(vals[i])
	}
	return e.enc.Encode(row)
}

func (e *jsonlEncoder) flush() error { return nil }

type csvEncoder struct {
	w   *csv.Writer
	rec []string
}

func newCSVEncoder(w io.Writer, cols []string) (*csvEncoder, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(cols); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	return &csvEncoder{w: cw, rec: make([]string, len(cols))}, nil
}

func (e *csvEncoder) encode(vals []any) error {
	for i, v := range vals {
		e.rec[i] = csvValue(v)
	}
	return e.w.Write(e.rec)
}

func (e *csvEncoder) flush() error {
	e.w.Flush()
	return e.w.Error()
}

func jsonValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	}
	return v
}

func csvValue(v any) string {
	switch x := v.(type) {
	case nil:
		return csvNull
	case []byte:
		return string(x)
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}
