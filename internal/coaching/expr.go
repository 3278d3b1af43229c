package coaching

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Predicates are written in a small boolean language over named context
// fields. Expressions are parsed and type-checked once, then evaluated by
// walking the tree; nothing is ever executed as code.
//
//	talk_ratio > 0.7
//	text contains "expensive" || text contains "cost"
//	speaker == "rep" && !(questions > 0)

var (
	ErrSyntax       = errors.New("syntax error")
	ErrUnknownField = errors.New("unknown field")
	ErrTypeMismatch = errors.New("type mismatch")
)

type valueType int

const (
	typeNumber valueType = iota
	typeString
	typeBool
)

func (t valueType) String() string {
	switch t {
	case typeNumber:
		return "number"
	case typeString:
		return "string"
	default:
		return "bool"
	}
}

// Fields available to predicates and their types.
var fieldTypes = map[string]valueType{
	"talk_ratio":  typeNumber,
	"sentiment":   typeNumber,
	"objections":  typeNumber,
	"questions":   typeNumber,
	"text":        typeString,
	"text_length": typeNumber,
	"word_count":  typeNumber,
	"speaker":     typeString,
	"duration":    typeNumber, // seconds
}

// Fields returns the names a predicate may reference.
func Fields() []string {
	names := make([]string, 0, len(fieldTypes))
	for name := range fieldTypes {
		names = append(names, name)
	}
	return names
}

type value struct {
	num float64
	str string
	b   bool
}

type node interface {
	typ() valueType
	eval(c *Context) value
}

type numberLit float64

func (n numberLit) typ() valueType      { return typeNumber }
func (n numberLit) eval(*Context) value { return value{num: float64(n)} }

type stringLit string

func (s stringLit) typ() valueType      { return typeString }
func (s stringLit) eval(*Context) value { return value{str: string(s)} }

type boolLit bool

func (b boolLit) typ() valueType      { return typeBool }
func (b boolLit) eval(*Context) value { return value{b: bool(b)} }

type fieldRef struct {
	name string
	t    valueType
}

func (f fieldRef) typ() valueType { return f.t }

func (f fieldRef) eval(c *Context) value {
	switch f.name {
	case "talk_ratio":
		return value{num: c.TalkRatio}
	case "sentiment":
		return value{num: c.Sentiment}
	case "objections":
		return value{num: float64(c.Objections)}
	case "questions":
		return value{num: float64(c.Questions)}
	case "text":
		return value{str: c.Text}
	case "text_length":
		return value{num: float64(len([]rune(c.Text)))}
	case "word_count":
		return value{num: float64(len(strings.Fields(c.Text)))}
	case "speaker":
		return value{str: c.Speaker}
	case "duration":
		return value{num: c.Duration.Seconds()}
	}
	return value{}
}

type notNode struct{ x node }

func (n notNode) typ() valueType        { return typeBool }
func (n notNode) eval(c *Context) value { return value{b: !n.x.eval(c).b} }

type logicNode struct {
	and  bool
	l, r node
}

func (n logicNode) typ() valueType { return typeBool }

func (n logicNode) eval(c *Context) value {
	l := n.l.eval(c).b
	if n.and {
		return value{b: l && n.r.eval(c).b}
	}
	return value{b: l || n.r.eval(c).b}
}

type compareNode struct {
	op   string
	l, r node
}

func (n compareNode) typ() valueType { return typeBool }

func (n compareNode) eval(c *Context) value {
	l, r := n.l.eval(c), n.r.eval(c)
	switch n.op {
	case ">":
		return value{b: l.num > r.num}
	case ">=":
		return value{b: l.num >= r.num}
	case "<":
		return value{b: l.num < r.num}
	case "<=":
		return value{b: l.num <= r.num}
	case "contains":
		return value{b: strings.Contains(strings.ToLower(l.str), strings.ToLower(r.str))}
	}

	var eq bool
	switch n.l.typ() {
	case typeNumber:
		eq = l.num == r.num
	case typeString:
		eq = l.str == r.str
	default:
		eq = l.b == r.b
	}
	if n.op == "!=" {
		eq = !eq
	}
	return value{b: eq}
}

// Predicate is a compiled, type-checked boolean expression.
type Predicate struct {
	source string
	root   node
}

// Compile parses and type-checks src.
func Compile(src string) (*Predicate, error) {
	if len(src) > maxExprLen {
		return nil, fmt.Errorf("%w: expression longer than %d bytes", ErrSyntax, maxExprLen)
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %q at offset %d", ErrSyntax, p.peek().text, p.peek().pos)
	}
	if root.typ() != typeBool {
		return nil, fmt.Errorf("%w: expression yields %s, want bool", ErrTypeMismatch, root.typ())
	}
	return &Predicate{source: src, root: root}, nil
}

// MustCompile is Compile for expressions known to be valid.
func MustCompile(src string) *Predicate {
	p, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return p
}

// Eval evaluates the predicate against c.
func (p *Predicate) Eval(c Context) bool {
	return p.root.eval(&c).b
}

func (p *Predicate) String() string {
	return p.source
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokNumber
	tokString
	tokIdent
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '"' || c == '\'':
			end := strings.IndexRune(src[i+1:], c)
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated string at offset %d", ErrSyntax, i)
			}
			toks = append(toks, token{tokString, src[i+1 : i+1+end], i})
			i += end + 2
		case c >= '0' && c <= '9' || c == '.':
			start := i
			for i < len(src) && (src[i] >= '0' && src[i] <= '9' || src[i] == '.') {
				i++
			}
			toks = append(toks, token{tokNumber, src[start:i], start})
		case c == '_' || unicode.IsLetter(c):
			start := i
			for i < len(src) && (src[i] == '_' || unicode.IsLetter(rune(src[i])) || unicode.IsDigit(rune(src[i]))) {
				i++
			}
			toks = append(toks, token{tokIdent, src[start:i], start})
		default:
			op := ""
			for _, candidate := range []string{"&&", "||", ">=", "<=", "==", "!=", ">", "<", "!", "-"} {
				if strings.HasPrefix(src[i:], candidate) {
					op = candidate
					break
				}
			}
			if op == "" {
				return nil, fmt.Errorf("%w: unexpected character %q at offset %d", ErrSyntax, c, i)
			}
			toks = append(toks, token{tokOp, op, i})
			i += len(op)
		}
	}
	return append(toks, token{tokEOF, "", len(src)}), nil
}

var comparisonOps = map[string]bool{">": true, ">=": true, "<": true, "<=": true, "==": true, "!=": true}

// Limits on custom expressions. Nesting bounds parser and evaluator
// recursion; length bounds the number of terms in a flat chain.
const (
	maxExprLen   = 4096
	maxExprDepth = 64
)

type parser struct {
	toks  []token
	pos   int
	depth int
}

// enter tracks one level of ! or parenthesis nesting.
func (p *parser) enter(pos int) error {
	p.depth++
	if p.depth > maxExprDepth {
		return fmt.Errorf("%w: nesting deeper than %d at offset %d", ErrSyntax, maxExprDepth, pos)
	}
	return nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) isOp(text string) bool {
	t := p.peek()
	return t.kind == tokOp && t.text == text
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isOp("||") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		if err := requireBool("||", left, right); err != nil {
			return nil, err
		}
		left = logicNode{and: false, l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isOp("&&") {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if err := requireBool("&&", left, right); err != nil {
			return nil, err
		}
		left = logicNode{and: true, l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.isOp("!") {
		if err := p.enter(p.next().pos); err != nil {
			return nil, err
		}
		x, err := p.parseUnary()
		p.depth--
		if err != nil {
			return nil, err
		}
		if err := requireBool("!", x); err != nil {
			return nil, err
		}
		return notNode{x: x}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	t := p.peek()
	var op string
	switch {
	case t.kind == tokOp && comparisonOps[t.text]:
		op = t.text
	case t.kind == tokIdent && t.text == "contains":
		op = "contains"
	default:
		return left, nil
	}
	p.next()

	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	switch op {
	case ">", ">=", "<", "<=":
		if left.typ() != typeNumber || right.typ() != typeNumber {
			return nil, fmt.Errorf("%w: %s needs numbers, got %s and %s", ErrTypeMismatch, op, left.typ(), right.typ())
		}
	case "contains":
		if left.typ() != typeString || right.typ() != typeString {
			return nil, fmt.Errorf("%w: contains needs strings, got %s and %s", ErrTypeMismatch, left.typ(), right.typ())
		}
	default:
		if left.typ() != right.typ() {
			return nil, fmt.Errorf("%w: cannot compare %s with %s", ErrTypeMismatch, left.typ(), right.typ())
		}
	}
	return compareNode{op: op, l: left, r: right}, nil
}

func (p *parser) parseOperand() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return parseNumber(t.text, false, t.pos)
	case tokString:
		return stringLit(t.text), nil
	case tokOp:
		if t.text == "-" && p.peek().kind == tokNumber {
			n := p.next()
			return parseNumber(n.text, true, n.pos)
		}
	case tokIdent:
		switch t.text {
		case "true":
			return boolLit(true), nil
		case "false":
			return boolLit(false), nil
		case "contains":
			return nil, fmt.Errorf("%w: contains needs a left operand at offset %d", ErrSyntax, t.pos)
		}
		ft, ok := fieldTypes[t.text]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownField, t.text)
		}
		return fieldRef{name: t.text, t: ft}, nil
	case tokLParen:
		if err := p.enter(t.pos); err != nil {
			return nil, err
		}
		inner, err := p.parseOr()
		p.depth--
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, fmt.Errorf("%w: missing ) at offset %d", ErrSyntax, p.peek().pos)
		}
		p.next()
		return inner, nil
	case tokEOF:
		return nil, fmt.Errorf("%w: unexpected end of expression", ErrSyntax)
	}
	return nil, fmt.Errorf("%w: unexpected %q at offset %d", ErrSyntax, t.text, t.pos)
}

func parseNumber(text string, negative bool, pos int) (node, error) {
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad number %q at offset %d", ErrSyntax, text, pos)
	}
	if negative {
		f = -f
	}
	return numberLit(f), nil
}

func requireBool(op string, nodes ...node) error {
	for _, n := range nodes {
		if n.typ() != typeBool {
			return fmt.Errorf("%w: %s needs bool operands, got %s", ErrTypeMismatch, op, n.typ())
		}
	}
	return nil
}
