package query

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrSyntax is wrapped by every SyntaxError.
var ErrSyntax = errors.New("syntax error")

// SyntaxError describes a malformed clause expression.
type SyntaxError struct {
	Expr string
	Pos  int
	Msg  string
}

func (e *SyntaxError) Error() string {
	if e.Pos > 0 {
		return fmt.Sprintf("%s at offset %d in %q", e.Msg, e.Pos, e.Expr)
	}
	return fmt.Sprintf("%s in %q", e.Msg, e.Expr)
}

func (e *SyntaxError) Unwrap() error { return ErrSyntax }

// Operator is a comparison operator accepted between the two sides of an expression.
type Operator string

const (
	OpEq      Operator = "="
	OpLt      Operator = "<"
	OpGt      Operator = ">"
	OpLte     Operator = "<="
	OpGte     Operator = ">="
	OpNeq     Operator = "<>"
	OpLike    Operator = "LIKE"
	OpNotLike Operator = "NOT LIKE"
	OpIs      Operator = "IS"
	OpIsNot   Operator = "IS NOT"
)

// Table qualifiers usable in field references.
const (
	QualifierPrimary = "p"
	QualifierJoined  = "l"
)

// Side is one operand: a field reference or a deferred placeholder.
type Side struct {
	Placeholder bool
	Qualifier   string
	Field       string
}

func (s Side) String() string {
	if s.Placeholder {
		return "?"
	}
	if s.Qualifier != "" {
		return s.Qualifier + "." + s.Field
	}
	return s.Field
}

// Expr is a parsed `<side> <op> <side>` expression. For IS / IS NOT the right
// side is replaced by one of the literal tokens NULL, TRUE, FALSE, UNKNOWN.
type Expr struct {
	Left    Side
	Op      Operator
	Right   Side
	Literal string
}

// Placeholders counts the `?` operands.
func (e *Expr) Placeholders() int {
	n := 0
	if e.Left.Placeholder {
		n++
	}
	if e.Literal == "" && e.Right.Placeholder {
		n++
	}
	return n
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokQualified
	tokPlaceholder
	tokSymbol
	tokNumber
	tokInvalid
)

type token struct {
	kind      tokenKind
	text      string
	qualifier string
	pos       int
}

type lexer struct {
	src string
	pos int
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func (l *lexer) next() token {
	for l.pos < len(l.src) && (l.src[l.pos] == ' ' || l.src[l.pos] == '\t' || l.src[l.pos] == '\n' || l.src[l.pos] == '\r') {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: l.pos}
	}

	start := l.pos
	c := l.src[l.pos]
	switch {
	case c == '?':
		l.pos++
		return token{kind: tokPlaceholder, text: "?", pos: start}
	case c == '=':
		l.pos++
		return token{kind: tokSymbol, text: "=", pos: start}
	case c == '<':
		l.pos++
		if l.pos < len(l.src) && (l.src[l.pos] == '=' || l.src[l.pos] == '>') {
			l.pos++
		}
		return token{kind: tokSymbol, text: l.src[start:l.pos], pos: start}
	case c == '>':
		l.pos++
		if l.pos < len(l.src) && l.src[l.pos] == '=' {
			l.pos++
		}
		return token{kind: tokSymbol, text: l.src[start:l.pos], pos: start}
	case isDigit(c):
		for l.pos < len(l.src) && (isDigit(l.src[l.pos]) || l.src[l.pos] == '.') {
			l.pos++
		}
		return token{kind: tokNumber, text: l.src[start:l.pos], pos: start}
	case isIdentStart(c):
		for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
			l.pos++
		}
		word := l.src[start:l.pos]
		if l.pos < len(l.src) && l.src[l.pos] == '.' {
			l.pos++
			fieldStart := l.pos
			if l.pos >= len(l.src) || !isIdentStart(l.src[l.pos]) {
				return token{kind: tokInvalid, text: l.src[start:l.pos], pos: start}
			}
			for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
				l.pos++
			}
			return token{kind: tokQualified, text: l.src[fieldStart:l.pos], qualifier: word, pos: start}
		}
		return token{kind: tokIdent, text: word, pos: start}
	}

	l.pos++
	return token{kind: tokInvalid, text: string(c), pos: start}
}

func tokenize(src string) []token {
	l := &lexer{src: src}
	var out []token
	for {
		t := l.next()
		out = append(out, t)
		if t.kind == tokEOF {
			return out
		}
	}
}

var keywords = map[string]bool{
	"LIKE": true, "NOT": true, "IS": true,
	"NULL": true, "TRUE": true, "FALSE": true, "UNKNOWN": true,
}

func isKeyword(t token, word string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, word)
}

type parser struct {
	src  string
	toks []token
	i    int
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) advance() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) fail(t token, format string, args ...any) error {
	return &SyntaxError{Expr: p.src, Pos: t.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) side() (Side, error) {
	t := p.advance()
	switch t.kind {
	case tokPlaceholder:
		return Side{Placeholder: true}, nil
	case tokIdent:
		if keywords[strings.ToUpper(t.text)] {
			return Side{}, p.fail(t, "keyword %s used as operand", strings.ToUpper(t.text))
		}
		return Side{Field: t.text}, nil
	case tokQualified:
		if t.qualifier != QualifierPrimary && t.qualifier != QualifierJoined {
			return Side{}, p.fail(t, "unknown table qualifier %q", t.qualifier)
		}
		return Side{Qualifier: t.qualifier, Field: t.text}, nil
	case tokNumber:
		return Side{}, p.fail(t, "literal %s must be bound through a ? placeholder", t.text)
	case tokEOF:
		return Side{}, p.fail(t, "missing operand")
	}
	return Side{}, p.fail(t, "unexpected %q", t.text)
}

func (p *parser) operator() (Operator, error) {
	t := p.advance()
	switch {
	case t.kind == tokSymbol:
		switch Operator(t.text) {
		case OpEq, OpLt, OpGt, OpLte, OpGte, OpNeq:
			return Operator(t.text), nil
		}
	case isKeyword(t, "LIKE"):
		return OpLike, nil
	case isKeyword(t, "NOT"):
		n := p.advance()
		if !isKeyword(n, "LIKE") {
			return "", p.fail(n, "expected LIKE after NOT")
		}
		return OpNotLike, nil
	case isKeyword(t, "IS"):
		if isKeyword(p.peek(), "NOT") {
			p.advance()
			return OpIsNot, nil
		}
		return OpIs, nil
	case t.kind == tokEOF:
		return "", p.fail(t, "missing operator")
	}
	return "", p.fail(t, "unsupported operator %q", t.text)
}

func (p *parser) expr() (*Expr, error) {
	left, err := p.side()
	if err != nil {
		return nil, err
	}
	op, err := p.operator()
	if err != nil {
		return nil, err
	}
	e := &Expr{Left: left, Op: op}
	if op == OpIs || op == OpIsNot {
		t := p.advance()
		lit := strings.ToUpper(t.text)
		if t.kind != tokIdent || (lit != "NULL" && lit != "TRUE" && lit != "FALSE" && lit != "UNKNOWN") {
			return nil, p.fail(t, "%s must be followed by NULL, TRUE, FALSE or UNKNOWN", op)
		}
		e.Literal = lit
	} else {
		right, err := p.side()
		if err != nil {
			return nil, err
		}
		e.Right = right
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.fail(t, "unexpected trailing %q", t.text)
	}
	return e, nil
}

// ParseExpr parses a `<side> <op> <side>` expression.
func ParseExpr(src string) (*Expr, error) {
	p := &parser{src: src, toks: tokenize(src)}
	return p.expr()
}

// TermKind classifies an ORDER BY / GROUP BY term.
type TermKind int

const (
	TermPlaceholder TermKind = iota
	TermField
	TermOrdinal
	TermExpr
)

// Term is a parsed ORDER BY / GROUP BY expression.
type Term struct {
	Kind    TermKind
	Side    Side
	Ordinal int
	Expr    *Expr
}

// ParseTerm accepts `?`, a (qualified) field name, a positive column ordinal,
// or a full binary expression.
func ParseTerm(src string) (*Term, error) {
	p := &parser{src: src, toks: tokenize(src)}
	if len(p.toks) == 2 {
		t := p.toks[0]
		switch t.kind {
		case tokPlaceholder, tokIdent, tokQualified:
			side, err := p.side()
			if err != nil {
				return nil, err
			}
			if side.Placeholder {
				return &Term{Kind: TermPlaceholder, Side: side}, nil
			}
			return &Term{Kind: TermField, Side: side}, nil
		case tokNumber:
			n, err := strconv.Atoi(t.text)
			if err != nil || n < 1 {
				return nil, p.fail(t, "column ordinal must be a positive integer")
			}
			return &Term{Kind: TermOrdinal, Ordinal: n}, nil
		}
	}
	e, err := p.expr()
	if err != nil {
		return nil, err
	}
	return &Term{Kind: TermExpr, Expr: e}, nil
}
