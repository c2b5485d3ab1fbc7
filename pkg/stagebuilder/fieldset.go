// Package stagebuilder translates logical query solution trees into
// executable plan stage trees plus slot metadata. Parents declare what they
// need from children through PlanStageReqs; children report what they
// produced through PlanStageSlots. A child only materializes what some
// ancestor asked for.
package stagebuilder

import (
	"sort"
	"strings"
)

// FieldSet is a possibly-open set of field names: either a finite list, or
// "every field except these". Open sets arise when a stage needs the whole
// document, which makes downstream field needs data-dependent.
type FieldSet struct {
	open   bool
	fields map[string]struct{}
}

// ClosedFieldSet contains exactly the given fields.
func ClosedFieldSet(fields ...string) FieldSet {
	return FieldSet{fields: fieldMap(fields)}
}

// OpenFieldSet contains every field except the given ones.
func OpenFieldSet(excluded ...string) FieldSet {
	return FieldSet{open: true, fields: fieldMap(excluded)}
}

func fieldMap(fields []string) map[string]struct{} {
	m := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		m[f] = struct{}{}
	}
	return m
}

func (s FieldSet) IsOpen() bool { return s.open }

func (s FieldSet) Contains(field string) bool {
	_, listed := s.fields[field]
	return listed != s.open
}

// Fields returns the listed names in sorted order: the members for a closed
// set, the exclusions for an open one.
func (s FieldSet) Fields() []string {
	out := make([]string, 0, len(s.fields))
	for f := range s.fields {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Union returns the set containing fields of either input.
func (s FieldSet) Union(other FieldSet) FieldSet {
	switch {
	case s.open && other.open:
		// Intersect the exclusion lists.
		m := make(map[string]struct{})
		for f := range s.fields {
			if _, ok := other.fields[f]; ok {
				m[f] = struct{}{}
			}
		}
		return FieldSet{open: true, fields: m}
	case s.open:
		return openMinus(s, other)
	case other.open:
		return openMinus(other, s)
	default:
		m := make(map[string]struct{}, len(s.fields)+len(other.fields))
		for f := range s.fields {
			m[f] = struct{}{}
		}
		for f := range other.fields {
			m[f] = struct{}{}
		}
		return FieldSet{fields: m}
	}
}

// openMinus unions an open set with a closed one: the result stays open and
// drops the closed set's members from the exclusion list.
func openMinus(open, closed FieldSet) FieldSet {
	m := make(map[string]struct{}, len(open.fields))
	for f := range open.fields {
		if _, ok := closed.fields[f]; !ok {
			m[f] = struct{}{}
		}
	}
	return FieldSet{open: true, fields: m}
}

func (s FieldSet) String() string {
	var sb strings.Builder
	if s.open {
		sb.WriteString("all-except")
	}
	sb.WriteByte('{')
	sb.WriteString(strings.Join(s.Fields(), ", "))
	sb.WriteByte('}')
	return sb.String()
}
