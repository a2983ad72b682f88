package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type document struct {
	BucketDefinitions map[string]*defDoc `yaml:"bucket_definitions"`
	Events            []*eventDoc        `yaml:"events"`
}

type defDoc struct {
	Priority   *int        `yaml:"priority"`
	Parameters []*paramDoc `yaml:"parameters"`
	Data       []*dataDoc  `yaml:"data"`
}

type paramDoc struct {
	Table  string            `yaml:"table"`
	Match  map[string]any    `yaml:"match"`
	Output map[string]string `yaml:"output"`
}

type dataDoc struct {
	Table   string         `yaml:"table"`
	As      string         `yaml:"as"`
	Columns []string       `yaml:"columns"`
	Match   map[string]any `yaml:"match"`
}

type eventDoc struct {
	Name  string `yaml:"name"`
	Table string `yaml:"table"`
}

// ContentHash fingerprints a sync rules document for version deduplication.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// ParseSyncRules parses and validates a sync rules document.
func ParseSyncRules(content []byte) (*SyncRules, error) {
	var doc document
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("parse sync rules: %w", err)
	}
	if len(doc.BucketDefinitions) == 0 {
		return nil, fmt.Errorf("sync rules declare no bucket_definitions")
	}

	s := &SyncRules{defs: map[string]*BucketDefinition{}}
	for name, dd := range doc.BucketDefinitions {
		def, err := compileDefinition(name, dd)
		if err != nil {
			return nil, err
		}
		s.defs[name] = def
	}

	seen := map[string]bool{}
	for _, ed := range doc.Events {
		if ed.Name == "" || ed.Table == "" {
			return nil, fmt.Errorf("event descriptors need both name and table")
		}
		if seen[ed.Name] {
			return nil, fmt.Errorf("duplicate event %q", ed.Name)
		}
		seen[ed.Name] = true
		s.events = append(s.events, EventDescriptor{Name: ed.Name, Table: ed.Table})
	}

	s.index()
	return s, nil
}

func compileDefinition(name string, dd *defDoc) (*BucketDefinition, error) {
	if err := checkDefinitionName(name); err != nil {
		return nil, err
	}
	if dd == nil || len(dd.Data) == 0 {
		return nil, fmt.Errorf("bucket definition %q: at least one data query required", name)
	}

	def := &BucketDefinition{Name: name, Priority: LowestPriority}
	if dd.Priority != nil {
		if *dd.Priority < 0 || *dd.Priority > LowestPriority {
			return nil, fmt.Errorf("bucket definition %q: priority %d outside 0..%d", name, *dd.Priority, LowestPriority)
		}
		def.Priority = *dd.Priority
	}

	for i, pd := range dd.Parameters {
		q, err := compileParameterQuery(def, i, pd)
		if err != nil {
			return nil, err
		}
		def.Parameters = append(def.Parameters, q)
		if q.Dynamic() {
			def.dynamic = true
		}
	}
	if err := bindParamNames(def); err != nil {
		return nil, err
	}

	for i, qd := range dd.Data {
		q, err := compileDataQuery(def, i, qd)
		if err != nil {
			return nil, err
		}
		def.Data = append(def.Data, q)
	}
	assignSubkeys(def)
	return def, nil
}

// bindParamNames derives the definition's parameter set from its first query
// and requires every other query to produce the same set: instances from
// different queries must be name-compatible.
func bindParamNames(def *BucketDefinition) error {
	if len(def.Parameters) == 0 {
		return nil
	}
	first := outputParams(def.Parameters[0])
	for _, q := range def.Parameters[1:] {
		got := outputParams(q)
		if !equalStringSets(first, got) {
			return fmt.Errorf("bucket definition %q: parameter queries disagree on outputs (%v vs %v)",
				def.Name, first, got)
		}
	}
	def.ParamNames = first
	return nil
}

func outputParams(q *ParameterQuery) []string {
	names := make([]string, 0, len(q.outputs))
	for _, o := range q.outputs {
		names = append(names, o.param)
	}
	sort.Strings(names)
	return names
}

func equalStringSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func compileParameterQuery(def *BucketDefinition, index int, pd *paramDoc) (*ParameterQuery, error) {
	where := fmt.Sprintf("bucket definition %q parameter query %d", def.Name, index)
	if pd == nil || len(pd.Output) == 0 {
		return nil, fmt.Errorf("%s: output map required", where)
	}

	q := &ParameterQuery{def: def, Index: index, Table: pd.Table}

	for param, rawSrc := range pd.Output {
		src, err := parseSource(rawSrc)
		if err != nil {
			return nil, fmt.Errorf("%s: output %q: %w", where, param, err)
		}
		switch src.kind {
		case srcToken:
		case srcRow:
			if !q.Dynamic() {
				return nil, fmt.Errorf("%s: output %q references a row column but the query has no table", where, param)
			}
		default:
			return nil, fmt.Errorf("%s: output %q must come from token.* or row.*", where, param)
		}
		q.outputs = append(q.outputs, outputCond{param: param, src: src})
	}
	sort.Slice(q.outputs, func(i, j int) bool { return q.outputs[i].param < q.outputs[j].param })

	if len(pd.Match) > 0 && !q.Dynamic() {
		return nil, fmt.Errorf("%s: match requires a table", where)
	}
	for column, rawSrc := range pd.Match {
		src, err := parseSource(rawSrc)
		if err != nil {
			return nil, fmt.Errorf("%s: match %q: %w", where, column, err)
		}
		if src.kind != srcToken && src.kind != srcLiteral {
			return nil, fmt.Errorf("%s: match %q must compare against token.* or a literal", where, column)
		}
		q.matches = append(q.matches, matchCond{column: column, src: src})
	}
	sort.Slice(q.matches, func(i, j int) bool { return q.matches[i].column < q.matches[j].column })
	return q, nil
}

func compileDataQuery(def *BucketDefinition, index int, qd *dataDoc) (*DataQuery, error) {
	where := fmt.Sprintf("bucket definition %q data query %d", def.Name, index)
	if qd == nil || qd.Table == "" {
		return nil, fmt.Errorf("%s: table required", where)
	}

	q := &DataQuery{def: def, Index: index, Table: qd.Table, ObjectType: qd.Table, Columns: qd.Columns}
	if qd.As != "" {
		q.ObjectType = qd.As
	}

	bound := map[string]bool{}
	for column, rawSrc := range qd.Match {
		src, err := parseSource(rawSrc)
		if err != nil {
			return nil, fmt.Errorf("%s: match %q: %w", where, column, err)
		}
		switch src.kind {
		case srcBucket:
			if !containsString(def.ParamNames, src.name) {
				return nil, fmt.Errorf("%s: match %q references unknown bucket parameter %q", where, column, src.name)
			}
			if bound[src.name] {
				return nil, fmt.Errorf("%s: bucket parameter %q bound twice", where, src.name)
			}
			bound[src.name] = true
		case srcLiteral:
		default:
			return nil, fmt.Errorf("%s: match %q must compare against bucket.* or a literal", where, column)
		}
		q.matches = append(q.matches, matchCond{column: column, src: src})
	}
	sort.Slice(q.matches, func(i, j int) bool { return q.matches[i].column < q.matches[j].column })

	if len(bound) != len(def.ParamNames) {
		return nil, fmt.Errorf("%s: must bind every bucket parameter %v", where, def.ParamNames)
	}
	return q, nil
}

// assignSubkeys gives data queries that can emit the same object type within
// one definition distinct subkeys, so their outputs do not clobber each other
// on the client.
func assignSubkeys(def *BucketDefinition) {
	byType := map[string]int{}
	for _, q := range def.Data {
		byType[q.ObjectType]++
	}
	for _, q := range def.Data {
		if byType[q.ObjectType] > 1 {
			q.subkey = strconv.Itoa(q.Index)
		}
	}
}

// parseSource interprets the right-hand side of a match or output binding.
// Strings prefixed token./row./bucket. are references, everything else is a
// literal.
func parseSource(raw any) (valueSource, error) {
	s, ok := raw.(string)
	if !ok {
		return valueSource{kind: srcLiteral, literal: normalizeValue(raw)}, nil
	}
	for prefix, kind := range map[string]sourceKind{
		"token.":  srcToken,
		"row.":    srcRow,
		"bucket.": srcBucket,
	} {
		if strings.HasPrefix(s, prefix) {
			name := strings.TrimPrefix(s, prefix)
			if name == "" {
				return valueSource{}, fmt.Errorf("empty reference %q", s)
			}
			return valueSource{kind: kind, name: name}, nil
		}
	}
	return valueSource{kind: srcLiteral, literal: s}, nil
}

func checkDefinitionName(name string) error {
	if name == "" {
		return fmt.Errorf("bucket definition with empty name")
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return fmt.Errorf("bucket definition %q: name may only contain letters, digits, _ and -", name)
		}
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
