package providers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/i474232898/air-quality-etl/internal/airquality"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DataKey is the field holding the per-timestamp sub-records of a response.
const DataKey = "data"

type object = orderedmap.OrderedMap[string, json.RawMessage]

// Flatten turns a response document into a table. Each element of the "data"
// array becomes a row; the scalar fields of the document are repeated on every
// row, followed by the sub-record fields in order of first appearance. Nested
// objects flatten to dotted column names and nested arrays are kept as their
// compact JSON text. A document without "data" yields a single row.
func Flatten(body []byte) (*airquality.Frame, error) {
	top, err := decodeObject(body)
	if err != nil {
		return nil, err
	}

	columns := orderedmap.New[string, struct{}]()
	parent := make(map[string]airquality.Value)
	emitParent := func(col string, v airquality.Value) {
		columns.Set(col, struct{}{})
		parent[col] = v
	}

	var records []json.RawMessage
	hasData := false
	for pair := top.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Key == DataKey && isArray(pair.Value) {
			if err := json.Unmarshal(pair.Value, &records); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrDecode, DataKey, err)
			}
			hasData = true
			continue
		}
		if err := flattenValue(pair.Key, pair.Value, emitParent); err != nil {
			return nil, err
		}
	}

	if !hasData {
		return buildFrame(columns, []map[string]airquality.Value{parent}), nil
	}

	rows := make([]map[string]airquality.Value, 0, len(records))
	for i, raw := range records {
		sub, err := decodeObject(raw)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", DataKey, i, err)
		}

		row := make(map[string]airquality.Value, len(parent)+sub.Len())
		for k, v := range parent {
			row[k] = v
		}
		emit := func(col string, v airquality.Value) {
			if _, ok := columns.Get(col); !ok {
				columns.Set(col, struct{}{})
			}
			row[col] = v
		}
		for pair := sub.Oldest(); pair != nil; pair = pair.Next() {
			if err := flattenValue(pair.Key, pair.Value, emit); err != nil {
				return nil, err
			}
		}
		rows = append(rows, row)
	}
	return buildFrame(columns, rows), nil
}

func buildFrame(columns *orderedmap.OrderedMap[string, struct{}], rows []map[string]airquality.Value) *airquality.Frame {
	f := &airquality.Frame{
		Columns: make([]string, 0, columns.Len()),
		Rows:    make([][]airquality.Value, 0, len(rows)),
	}
	for pair := columns.Oldest(); pair != nil; pair = pair.Next() {
		f.Columns = append(f.Columns, pair.Key)
	}
	for _, r := range rows {
		out := make([]airquality.Value, len(f.Columns))
		for i, col := range f.Columns {
			if v, ok := r[col]; ok {
				out[i] = v
			}
		}
		f.Rows = append(f.Rows, out)
	}
	return f
}

func decodeObject(raw []byte) (*object, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrDecode)
	}
	obj := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal(raw, obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return obj, nil
}

func isArray(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}

func flattenValue(name string, raw json.RawMessage, emit func(string, airquality.Value)) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		emit(name, airquality.NullValue())
		return nil
	}

	switch raw[0] {
	case '{':
		obj, err := decodeObject(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		for pair := obj.Oldest(); pair != nil; pair = pair.Next() {
			if err := flattenValue(name+"."+pair.Key, pair.Value, emit); err != nil {
				return err
			}
		}
	case '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrDecode, name, err)
		}
		emit(name, airquality.StringValue(buf.String()))
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrDecode, name, err)
		}
		emit(name, airquality.StringValue(s))
	case 't', 'f':
		emit(name, airquality.StringValue(string(raw)))
	case 'n':
		emit(name, airquality.NullValue())
	default:
		f, err := strconv.ParseFloat(string(raw), 64)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrDecode, name, err)
		}
		emit(name, airquality.NumberValue(f))
	}
	return nil
}
