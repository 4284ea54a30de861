package query

import (
	"strings"
)

// Kind is the statement kind of a model query.
type Kind int

const (
	KindNone Kind = iota
	Select
	Insert
	Update
	Delete
)

func (k Kind) String() string {
	switch k {
	case Select:
		return "select"
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	}
	return "none"
}

// IsMutation reports whether the kind changes table contents.
func (k Kind) IsMutation() bool {
	return k == Insert || k == Update || k == Delete
}

// MutationKinds lists the kinds that invalidate cached selects.
var MutationKinds = []Kind{Update, Insert, Delete}

// Row is one result row keyed by column name.
type Row map[string]any

// Rows is an ordered result set.
type Rows []Row

// Direction is an ORDER BY / GROUP BY direction.
type Direction string

const (
	Asc  Direction = "ASC"
	Desc Direction = "DESC"
)

// NormalizeDirection maps anything that is not literally ASC (any case) to DESC.
func NormalizeDirection(dir string) Direction {
	if strings.EqualFold(strings.TrimSpace(dir), "ASC") {
		return Asc
	}
	return Desc
}

// NormalizeShape collapses whitespace so that formatting does not leak into fingerprints.
func NormalizeShape(expr string) string {
	return strings.Join(strings.Fields(expr), " ")
}

// ParseBoolOp validates a boolean connector of the form (AND|OR|XOR)[ ][NOT],
// case-insensitive, and returns its upper-case canonical form.
func ParseBoolOp(op string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(op))
	var head string
	for _, candidate := range []string{"AND", "OR", "XOR"} {
		if strings.HasPrefix(s, candidate) {
			head = candidate
			break
		}
	}
	if head == "" {
		return "", &SyntaxError{Expr: op, Msg: "boolean operator must be AND, OR or XOR"}
	}
	rest := s[len(head):]
	if rest == "" {
		return head, nil
	}
	if rest[0] == ' ' || rest[0] == '\t' {
		rest = rest[1:]
	}
	if rest == "NOT" {
		return head + " NOT", nil
	}
	return "", &SyntaxError{Expr: op, Msg: "unexpected " + rest + " after " + head}
}
