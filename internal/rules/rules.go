package rules

import (
	"encoding/json"
	"fmt"
	"sort"
)

// SyncRules is a parsed, validated sync rules document with its queries
// indexed by source table for the write path.
type SyncRules struct {
	defs          map[string]*BucketDefinition
	defNames      []string
	dataByTable   map[string][]*DataQuery
	paramsByTable map[string][]*ParameterQuery
	eventsByTable map[string][]string
	events        []EventDescriptor
}

// EventDescriptor names a change event fired for every replicated row change
// of a table.
type EventDescriptor struct {
	Name  string
	Table string
}

// BucketDefinition is one named bucket family.
type BucketDefinition struct {
	Name     string
	Priority int
	// ParamNames is the canonical (alphabetical) parameter order used when
	// serializing instance names, independent of document map order.
	ParamNames []string
	Parameters []*ParameterQuery
	Data       []*DataQuery

	dynamic bool
}

// Dynamic reports whether resolving this definition's instances requires
// parameter lookups in storage.
func (d *BucketDefinition) Dynamic() bool { return d.dynamic }

// instance serializes a bucket instance name from bound parameter values.
func (d *BucketDefinition) instance(params map[string]any) (string, error) {
	vals := make([]any, 0, len(d.ParamNames))
	for _, name := range d.ParamNames {
		vals = append(vals, normalizeValue(params[name]))
	}
	b, err := json.Marshal(vals)
	if err != nil {
		return "", fmt.Errorf("bucket %s: serialize parameters: %w", d.Name, err)
	}
	return d.Name + string(b), nil
}

type sourceKind int

const (
	srcLiteral sourceKind = iota
	srcToken
	srcRow
	srcBucket
)

// valueSource is the right-hand side of a match or output binding: a literal,
// a token value, a parameter-row column, or a bucket parameter.
type valueSource struct {
	kind    sourceKind
	name    string
	literal any
}

type matchCond struct {
	column string
	src    valueSource
}

type outputCond struct {
	param string
	src   valueSource
}

// DataQuery maps rows of one source table into a bucket definition.
type DataQuery struct {
	Index      int
	Table      string
	ObjectType string
	// Columns restricts the streamed payload; nil streams the whole row.
	// The id column is always included.
	Columns []string

	def     *BucketDefinition
	matches []matchCond
	subkey  string
}

// Definition returns the bucket definition the query belongs to.
func (q *DataQuery) Definition() *BucketDefinition { return q.def }

// ParameterQuery derives bucket instances for a request. A query without a
// table is static: its outputs come from the token alone. A query with a
// table is dynamic: replication maintains lookup entries from the table's
// rows, and request-time resolution reads them back.
type ParameterQuery struct {
	Index int
	Table string

	def     *BucketDefinition
	matches []matchCond
	outputs []outputCond
}

// Definition returns the bucket definition the query belongs to.
func (q *ParameterQuery) Definition() *BucketDefinition { return q.def }

// Dynamic reports whether the query reads a parameter table.
func (q *ParameterQuery) Dynamic() bool { return q.Table != "" }

// Definitions lists bucket definitions in name order.
func (s *SyncRules) Definitions() []*BucketDefinition {
	out := make([]*BucketDefinition, 0, len(s.defNames))
	for _, name := range s.defNames {
		out = append(out, s.defs[name])
	}
	return out
}

// Definition looks a bucket definition up by name.
func (s *SyncRules) Definition(name string) *BucketDefinition {
	return s.defs[name]
}

// PriorityOf returns the priority of the definition owning a bucket
// instance, defaulting to the lowest priority for unknown definitions.
func (s *SyncRules) PriorityOf(bucket string) int {
	if d := s.defs[BucketDefinitionName(bucket)]; d != nil {
		return d.Priority
	}
	return LowestPriority
}

// TableSyncsData reports whether any data query reads the table.
func (s *SyncRules) TableSyncsData(table string) bool {
	return len(s.dataByTable[table]) > 0
}

// TableSyncsParameters reports whether any dynamic parameter query reads the
// table.
func (s *SyncRules) TableSyncsParameters(table string) bool {
	return len(s.paramsByTable[table]) > 0
}

// TableSynced reports whether replication needs the table at all.
func (s *SyncRules) TableSynced(table string) bool {
	return s.TableSyncsData(table) || s.TableSyncsParameters(table) || len(s.eventsByTable[table]) > 0
}

// EventsFor lists event descriptors fired for the table's row changes.
func (s *SyncRules) EventsFor(table string) []string {
	return s.eventsByTable[table]
}

// Events lists all declared event descriptors.
func (s *SyncRules) Events() []EventDescriptor {
	return s.events
}

func (s *SyncRules) index() {
	s.defNames = make([]string, 0, len(s.defs))
	for name := range s.defs {
		s.defNames = append(s.defNames, name)
	}
	sort.Strings(s.defNames)

	s.dataByTable = map[string][]*DataQuery{}
	s.paramsByTable = map[string][]*ParameterQuery{}
	s.eventsByTable = map[string][]string{}
	for _, name := range s.defNames {
		def := s.defs[name]
		for _, q := range def.Data {
			s.dataByTable[q.Table] = append(s.dataByTable[q.Table], q)
		}
		for _, q := range def.Parameters {
			if q.Dynamic() {
				s.paramsByTable[q.Table] = append(s.paramsByTable[q.Table], q)
			}
		}
	}
	for _, ev := range s.events {
		s.eventsByTable[ev.Table] = append(s.eventsByTable[ev.Table], ev.Name)
	}
}

// LowestPriority is the default bucket priority; priority 0 syncs first.
const LowestPriority = 3
