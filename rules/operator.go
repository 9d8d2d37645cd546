package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/songzhibin97/approval-workflow/types"
)

// Condition operators.
const (
	OpEqual          = "="
	OpNotEqual       = "!="
	OpLess           = "<"
	OpLessOrEqual    = "<="
	OpGreater        = ">"
	OpGreaterOrEqual = ">="
	OpIn             = "in"
	OpContains       = "contains"
	OpExpr           = "expr"
)

// ExprValueName is the name the anchor field's value is bound to in an expr condition.
const ExprValueName = "value"

var (
	ErrUnknownOperator   = fmt.Errorf("%w: unknown operator", types.ErrConfiguration)
	ErrMissingField      = fmt.Errorf("%w: condition has no field", types.ErrConfiguration)
	ErrInvalidExpression = fmt.Errorf("%w: invalid expression", types.ErrConfiguration)
)

var knownOperators = map[string]bool{
	OpEqual: true, OpNotEqual: true, OpLess: true, OpLessOrEqual: true, OpGreater: true,
	OpGreaterOrEqual: true, OpIn: true, OpContains: true, OpExpr: true,
}

// NormalizeOperator lowercases op and maps aliases ("==", "<>") to their canonical form.
func NormalizeOperator(op string) string {
	op = strings.ToLower(strings.TrimSpace(op))
	switch op {
	case "==":
		return OpEqual
	case "<>":
		return OpNotEqual
	}
	return op
}

// KnownOperator reports whether op, once normalized, is supported.
func KnownOperator(op string) bool {
	return knownOperators[NormalizeOperator(op)]
}

// compare applies a non-expr operator to a projected context value.
//
// Strings compare lexicographically, int64 values numerically against the
// literal parsed as an integer, and lists match "=", "in" and "contains" when
// any element matches and "!=" when none does. Every other combination,
// including an unparsable literal, is not satisfied.
func compare(op string, field interface{}, literal string) bool {
	switch v := field.(type) {
	case string:
		return compareString(op, v, literal)
	case int64:
		return compareInt(op, v, literal)
	case []string:
		return compareList(op, v, literal)
	}
	return false
}

func compareString(op, v, literal string) bool {
	switch op {
	case OpEqual:
		return v == literal
	case OpNotEqual:
		return v != literal
	case OpLess:
		return v < literal
	case OpLessOrEqual:
		return v <= literal
	case OpGreater:
		return v > literal
	case OpGreaterOrEqual:
		return v >= literal
	case OpIn:
		return inList(v, literal)
	case OpContains:
		return strings.Contains(v, literal)
	}
	return false
}

func compareInt(op string, v int64, literal string) bool {
	if op == OpIn {
		return inList(strconv.FormatInt(v, 10), literal)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(literal), 10, 64)
	if err != nil {
		return false
	}
	switch op {
	case OpEqual:
		return v == n
	case OpNotEqual:
		return v != n
	case OpLess:
		return v < n
	case OpLessOrEqual:
		return v <= n
	case OpGreater:
		return v > n
	case OpGreaterOrEqual:
		return v >= n
	}
	return false
}

func compareList(op string, v []string, literal string) bool {
	switch op {
	case OpEqual, OpContains:
		for _, e := range v {
			if e == literal {
				return true
			}
		}
		return false
	case OpNotEqual:
		for _, e := range v {
			if e == literal {
				return false
			}
		}
		return true
	case OpIn:
		for _, e := range v {
			if inList(e, literal) {
				return true
			}
		}
	}
	return false
}

// inList reports whether v is one of the comma separated entries of list.
func inList(v, list string) bool {
	for _, e := range strings.Split(list, ",") {
		if strings.TrimSpace(e) == v {
			return true
		}
	}
	return false
}
