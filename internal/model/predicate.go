package model

import (
	"fmt"
	"reflect"
	"strings"
)

// Operator is a comparison applied by a Condition.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNe         Operator = "ne"
	OpGt         Operator = "gt"
	OpGe         Operator = "ge"
	OpLt         Operator = "lt"
	OpLe         Operator = "le"
	OpContains   Operator = "contains"
	OpBeginsWith Operator = "beginsWith"
)

var operators = map[Operator]bool{
	OpEq: true, OpNe: true, OpGt: true, OpGe: true,
	OpLt: true, OpLe: true, OpContains: true, OpBeginsWith: true,
}

// Condition compares one record field against a value.
type Condition struct {
	Field string   `json:"field"`
	Op    Operator `json:"op"`
	Value any      `json:"value"`
}

// Predicate is a conjunction of conditions. A nil or empty predicate matches
// every record.
type Predicate struct {
	Conditions []Condition `json:"conditions"`
}

// Where starts a predicate with a single condition.
func Where(field string, op Operator, value any) *Predicate {
	return &Predicate{Conditions: []Condition{{Field: field, Op: op, Value: value}}}
}

// IDEquals matches the record with the given ID.
func IDEquals(id string) *Predicate {
	return Where("id", OpEq, id)
}

// And returns a new predicate with one more condition.
func (p *Predicate) And(field string, op Operator, value any) *Predicate {
	out := &Predicate{}
	if p != nil {
		out.Conditions = append(out.Conditions, p.Conditions...)
	}
	out.Conditions = append(out.Conditions, Condition{Field: field, Op: op, Value: value})
	return out
}

// Empty reports whether the predicate matches everything.
func (p *Predicate) Empty() bool {
	return p == nil || len(p.Conditions) == 0
}

// IDLookup reports whether the predicate is exactly "id eq <string>".
func (p *Predicate) IDLookup() (string, bool) {
	if p == nil || len(p.Conditions) != 1 {
		return "", false
	}
	c := p.Conditions[0]
	id, ok := c.Value.(string)
	if c.Field != "id" || c.Op != OpEq || !ok {
		return "", false
	}
	return id, true
}

// Validate checks that every condition names a field and a known operator.
func (p *Predicate) Validate() error {
	if p == nil {
		return nil
	}
	for i, c := range p.Conditions {
		if c.Field == "" {
			return fmt.Errorf("condition %d: field is required", i)
		}
		if !operators[c.Op] {
			return fmt.Errorf("condition %d: unknown operator %q", i, c.Op)
		}
	}
	return nil
}

// Matches evaluates the predicate against a record.
func (p *Predicate) Matches(r Record) bool {
	if p.Empty() {
		return true
	}
	for _, c := range p.Conditions {
		v, ok := r.Get(c.Field)
		if !ok {
			v = nil
		}
		if !c.matches(v) {
			return false
		}
	}
	return true
}

func (c Condition) matches(v any) bool {
	switch c.Op {
	case OpEq:
		return equal(v, c.Value)
	case OpNe:
		return !equal(v, c.Value)
	case OpGt, OpGe, OpLt, OpLe:
		cmp, ok := compare(v, c.Value)
		if !ok {
			return false
		}
		switch c.Op {
		case OpGt:
			return cmp > 0
		case OpGe:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	case OpContains:
		switch tv := v.(type) {
		case string:
			s, ok := c.Value.(string)
			return ok && strings.Contains(tv, s)
		case []any:
			for _, item := range tv {
				if equal(item, c.Value) {
					return true
				}
			}
		}
		return false
	case OpBeginsWith:
		s, ok1 := v.(string)
		prefix, ok2 := c.Value.(string)
		return ok1 && ok2 && strings.HasPrefix(s, prefix)
	}
	return false
}

func equal(a, b any) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func compare(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	as, ok1 := a.(string)
	bs, ok2 := b.(string)
	if !ok1 || !ok2 {
		return 0, false
	}
	return strings.Compare(as, bs), true
}

// toFloat normalizes numeric values. Field maps read back from JSON hold
// float64; values supplied by callers may be any Go numeric type.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
