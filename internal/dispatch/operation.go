// Package dispatch translates client operations into store calls and wraps
// every outcome in a uniform response envelope.
package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Kind selects how an operation's SQL is run.
type Kind string

const (
	// KindQuery runs one write statement and returns affected-row metadata.
	KindQuery Kind = "query"

	// KindExec runs raw, possibly multi-statement SQL with no result.
	KindExec Kind = "exec"

	// KindGet returns the first row of a read.
	KindGet Kind = "get"

	// KindAll returns every row of a read.
	KindAll Kind = "all"
)

// Valid reports whether k is one of the four known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindQuery, KindExec, KindGet, KindAll:
		return true
	}
	return false
}

// Mutating reports whether a successful operation of this kind is announced
// to other clients. exec counts as mutating even when its script only reads.
func (k Kind) Mutating() bool {
	return k == KindQuery || k == KindExec
}

// Operation is a single client request to run SQL against the store.
type Operation struct {
	Kind          Kind   `json:"kind"`
	SQL           string `json:"sqlText"`
	Params        []any  `json:"parameters,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// ValidationError reports an operation rejected before reaching the store.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid operation: %s %s", e.Field, e.Reason)
}

// Validate checks the operation's shape. It does not look at the SQL text
// beyond requiring it to be non-empty.
func (op Operation) Validate() error {
	if op.Kind == "" {
		return &ValidationError{Field: "kind", Reason: "is required"}
	}
	if !op.Kind.Valid() {
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("%q is not one of query, exec, get, all", string(op.Kind))}
	}
	if strings.TrimSpace(op.SQL) == "" {
		return &ValidationError{Field: "sqlText", Reason: "is required"}
	}
	return nil
}

// wireOperation accepts both the current field names and the older
// type/sql/params spelling still sent by some renderers.
type wireOperation struct {
	Kind          string          `json:"kind"`
	Type          string          `json:"type"`
	SQLText       string          `json:"sqlText"`
	SQL           string          `json:"sql"`
	Parameters    json.RawMessage `json:"parameters"`
	Params        json.RawMessage `json:"params"`
	CorrelationID json.RawMessage `json:"correlationId"`
}

// ParseOperation decodes and validates an operation received from a
// transport. When the payload decodes but fails validation, the partially
// filled operation is returned alongside the error so the caller can still
// echo its correlation id.
func ParseOperation(data []byte) (Operation, error) {
	var w wireOperation
	if err := json.Unmarshal(data, &w); err != nil {
		return Operation{}, &ValidationError{Field: "payload", Reason: "is not a JSON object"}
	}

	op := Operation{
		Kind: Kind(firstNonEmpty(w.Kind, w.Type)),
		SQL:  firstNonEmpty(w.SQLText, w.SQL),
	}

	id, err := decodeCorrelationID(w.CorrelationID)
	if err != nil {
		return op, err
	}
	op.CorrelationID = id

	raw := w.Parameters
	if len(raw) == 0 {
		raw = w.Params
	}
	params, err := decodeParams(raw)
	if err != nil {
		return op, err
	}
	op.Params = params

	return op, op.Validate()
}

// decodeCorrelationID accepts a JSON string or number.
func decodeCorrelationID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}

	return "", &ValidationError{Field: "correlationId", Reason: "must be a string or number"}
}

// decodeParams turns a JSON array into values the SQLite driver can bind.
// Integers stay integers so that id comparisons behave as clients expect.
func decodeParams(raw json.RawMessage) ([]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var values []any
	if err := dec.Decode(&values); err != nil {
		return nil, &ValidationError{Field: "parameters", Reason: "must be an array"}
	}

	out := make([]any, len(values))
	for i, v := range values {
		switch val := v.(type) {
		case nil, string:
			out[i] = val
		case bool:
			if val {
				out[i] = int64(1)
			} else {
				out[i] = int64(0)
			}
		case json.Number:
			if n, err := strconv.ParseInt(val.String(), 10, 64); err == nil {
				out[i] = n
			} else if f, err := val.Float64(); err == nil {
				out[i] = f
			} else {
				return nil, &ValidationError{Field: fmt.Sprintf("parameters[%d]", i), Reason: "is not a representable number"}
			}
		default:
			return nil, &ValidationError{Field: fmt.Sprintf("parameters[%d]", i), Reason: "must be a string, number, boolean or null"}
		}
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
