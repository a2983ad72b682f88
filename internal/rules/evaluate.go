package rules

import (
	"errors"
	"fmt"
)

// ErrNoRowID marks a replicated row without a usable id column. The row
// cannot be keyed into any bucket; callers log and skip it.
var ErrNoRowID = errors.New("row has no usable id column")

// EvaluateRow maps a source row into bucket entries, one per data query whose
// filters the row satisfies.
func (s *SyncRules) EvaluateRow(table string, row Row) ([]EvaluatedRow, error) {
	queries := s.dataByTable[table]
	if len(queries) == 0 {
		return nil, nil
	}

	var out []EvaluatedRow
	for _, q := range queries {
		params, ok := q.bindRow(row)
		if !ok {
			continue
		}
		id, ok := IDString(row["id"])
		if !ok {
			return nil, fmt.Errorf("table %s: %w", table, ErrNoRowID)
		}
		bucket, err := q.def.instance(params)
		if err != nil {
			return nil, err
		}
		data, err := EncodeRow(q.project(row))
		if err != nil {
			return nil, fmt.Errorf("table %s row %s: %w", table, id, err)
		}
		out = append(out, EvaluatedRow{
			Bucket:     bucket,
			Priority:   q.def.Priority,
			ObjectType: q.ObjectType,
			ObjectID:   id,
			Subkey:     q.subkey,
			Data:       data,
		})
	}
	return out, nil
}

// bindRow checks the query's filters against a row and collects the bucket
// parameter values it binds. Rows with NULL in a matched column never match.
func (q *DataQuery) bindRow(row Row) (map[string]any, bool) {
	var params map[string]any
	if len(q.def.ParamNames) > 0 {
		params = make(map[string]any, len(q.def.ParamNames))
	}
	for _, m := range q.matches {
		v := row[m.column]
		if v == nil {
			return nil, false
		}
		switch m.src.kind {
		case srcLiteral:
			if !valueEqual(v, m.src.literal) {
				return nil, false
			}
		case srcBucket:
			params[m.src.name] = normalizeValue(v)
		}
	}
	return params, true
}

func (q *DataQuery) project(row Row) Row {
	if len(q.Columns) == 0 {
		return row
	}
	out := make(Row, len(q.Columns)+1)
	for _, c := range q.Columns {
		if v, ok := row[c]; ok {
			out[c] = v
		}
	}
	if v, ok := row["id"]; ok {
		out["id"] = v
	}
	return out
}

// EvaluateParameterRow maps a row of a parameter table into lookup entries,
// one per dynamic query whose filters the row satisfies.
func (s *SyncRules) EvaluateParameterRow(table string, row Row) ([]EvaluatedParameters, error) {
	var out []EvaluatedParameters
	for _, q := range s.paramsByTable[table] {
		vals, ok := q.rowLookup(row)
		if !ok {
			continue
		}
		params := ParameterSet{}
		for _, o := range q.outputs {
			if o.src.kind == srcRow {
				params[o.param] = normalizeValue(row[o.src.name])
			}
		}
		out = append(out, EvaluatedParameters{
			Lookup: Lookup{query: q, Values: vals},
			Params: params,
		})
	}
	return out, nil
}

// rowLookup filters a parameter row and extracts the lookup values its
// token-matched columns contribute, in the query's canonical column order.
func (q *ParameterQuery) rowLookup(row Row) ([]any, bool) {
	vals := make([]any, 0, len(q.matches))
	for _, m := range q.matches {
		v := row[m.column]
		switch m.src.kind {
		case srcLiteral:
			if !valueEqual(v, m.src.literal) {
				return nil, false
			}
		case srcToken:
			if v == nil {
				return nil, false
			}
			vals = append(vals, normalizeValue(v))
		}
	}
	return vals, true
}

// RequestLookup builds the lookup a request resolves this dynamic query
// with: the same column order as rowLookup, valued from the token. Reports
// false when the token lacks a referenced value.
func (q *ParameterQuery) RequestLookup(req RequestParameters) (Lookup, bool) {
	vals := make([]any, 0, len(q.matches))
	for _, m := range q.matches {
		if m.src.kind != srcToken {
			continue
		}
		v, ok := req.tokenValue(m.src.name)
		if !ok {
			return Lookup{}, false
		}
		vals = append(vals, normalizeValue(v))
	}
	return Lookup{query: q, Values: vals}, true
}

// Instances combines stored parameter sets with the request's token-derived
// outputs into concrete bucket instances.
func (q *ParameterQuery) Instances(req RequestParameters, sets []ParameterSet) ([]BucketDescription, error) {
	out := make([]BucketDescription, 0, len(sets))
	for _, set := range sets {
		params := make(map[string]any, len(q.def.ParamNames))
		for k, v := range set {
			params[k] = v
		}
		ok := true
		for _, o := range q.outputs {
			if o.src.kind != srcToken {
				continue
			}
			v, have := req.tokenValue(o.src.name)
			if !have {
				ok = false
				break
			}
			params[o.param] = normalizeValue(v)
		}
		if !ok {
			continue
		}
		bucket, err := q.def.instance(params)
		if err != nil {
			return nil, err
		}
		out = append(out, BucketDescription{Bucket: bucket, Priority: q.def.Priority})
	}
	return out, nil
}

// StaticBuckets resolves every bucket instance derivable from the request
// alone: parameterless definitions and fully token-sourced parameter
// queries. The result is stable for the lifetime of a connection.
func (s *SyncRules) StaticBuckets(req RequestParameters) ([]BucketDescription, error) {
	var out []BucketDescription
	seen := map[string]bool{}
	add := func(bucket string, priority int) {
		if !seen[bucket] {
			seen[bucket] = true
			out = append(out, BucketDescription{Bucket: bucket, Priority: priority})
		}
	}

	for _, name := range s.defNames {
		def := s.defs[name]
		if len(def.Parameters) == 0 {
			bucket, err := def.instance(nil)
			if err != nil {
				return nil, err
			}
			add(bucket, def.Priority)
			continue
		}
		for _, q := range def.Parameters {
			if q.Dynamic() {
				continue
			}
			params := make(map[string]any, len(q.outputs))
			ok := true
			for _, o := range q.outputs {
				v, have := req.tokenValue(o.src.name)
				if !have {
					ok = false
					break
				}
				params[o.param] = normalizeValue(v)
			}
			if !ok {
				continue
			}
			bucket, err := def.instance(params)
			if err != nil {
				return nil, err
			}
			add(bucket, def.Priority)
		}
	}
	return out, nil
}

// DynamicLookups lists the lookups a request needs resolved from storage,
// across every dynamic parameter query the token can value.
func (s *SyncRules) DynamicLookups(req RequestParameters) []Lookup {
	var out []Lookup
	for _, name := range s.defNames {
		for _, q := range s.defs[name].Parameters {
			if !q.Dynamic() {
				continue
			}
			if l, ok := q.RequestLookup(req); ok {
				out = append(out, l)
			}
		}
	}
	return out
}
