package dbdriver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// maxLineSize bounds a single JSONL row.
const maxLineSize = 16 << 20

// Load inserts rows read from r into an existing table and returns the
// number of rows inserted. JSONL rows may carry different column sets; CSV
// files start with a header row.
func Load(ctx context.Context, q Queryer, table string, format Format, r io.Reader, progress ProgressFunc) (int64, error) {
	ins := &inserter{q: q, table: table, stmts: make(map[string]string)}

	var n int64
	var err error
	switch format {
	case FormatJSONL:
		n, err = loadJSONL(ctx, ins, r, progress)
	case FormatCSV:
		n, err = loadCSV(ctx, ins, r, progress)
	default:
		return 0, fmt.Errorf("%w: format %q", ErrUnsupported, format)
	}
	if err != nil {
		return n, err
	}
	if progress != nil {
		progress(n)
	}
	return n, nil
}

func loadJSONL(ctx context.Context, ins *inserter, r io.Reader, progress ProgressFunc) (int64, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)

	var n int64
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}

		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var row map[string]any
		if err := dec.Decode(&row); err != nil {
			return n, fmt.Errorf("%s line %d: %w", ins.table, line, err)
		}
		if len(row) == 0 {
			return n, fmt.Errorf("%s line %d: empty row", ins.table, line)
		}

		cols := make([]string, 0, len(row))
		for c := range row {
			cols = append(cols, c)
		}
		sort.Strings(cols)
		args := make([]any, len(cols))
		for i, c := range cols {
			args[i] = sqlArg(row[c])
		}

		if err := ins.insert(ctx, cols, args); err != nil {
			return n, fmt.Errorf("%s line %d: %w", ins.table, line, err)
		}
		n++
		if progress != nil && n%progressEvery == 0 {
			progress(n)
		}
	}
	if err := sc.Err(); err != nil {
		return n, fmt.Errorf("read %s: %w", ins.table, err)
	}
	return n, nil
}

func loadCSV(ctx context.Context, ins *inserter, r io.Reader, progress ProgressFunc) (int64, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("%s: csv header is missing", ins.table)
		}
		return 0, fmt.Errorf("%s: read csv header: %w", ins.table, err)
	}
	cols := append([]string(nil), header...)

	var n int64
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return n, fmt.Errorf("%s: %w", ins.table, err)
		}
		args := make([]any, len(rec))
		for i, v := range rec {
			if v == csvNull {
				args[i] = nil
			} else {
				args[i] = v
			}
		}
		if err := ins.insert(ctx, cols, args); err != nil {
			return n, fmt.Errorf("%s row %d: %w", ins.table, n+1, err)
		}
		n++
		if progress != nil && n%progressEvery == 0 {
			progress(n)
		}
	}
	return n, nil
}

type inserter struct {
	q     Queryer
	table string
	stmts map[string]string
}

func (ins *inserter) insert(ctx context.Context, cols []string, args []any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := strings.Join(cols, "\x00")
	query, ok := ins.stmts[key]
	if !ok {
		quoted := make([]string, len(cols))
		marks := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = quoteIdent(c)
			marks[i] = "?"
		}
		query = ins.q.Rebind(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			quoteIdent(ins.table), strings.Join(quoted, ", "), strings.Join(marks, ", ")))
		ins.stmts[key] = query
	}
	_, err := ins.q.ExecContext(ctx, query, args...)
	return err
}

func sqlArg(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any, []any:
		b, _ := json.Marshal(x)
		return string(b)
	}
	return v
}
