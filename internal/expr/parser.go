package expr

import (
	"strconv"
)

// node is one vertex of a parsed expression tree.
type node interface{}

type literalNode struct {
	val any // string, float64, bool, or nil
}

type identNode struct {
	name string
}

type unaryNode struct {
	op      tokenKind // tokenNot or tokenMinus
	operand node
}

type binaryNode struct {
	op          tokenKind
	left, right node
}

// memberNode is property access: base.name or base['name'] / base[idx].
type memberNode struct {
	base  node
	name  string // static segment, or ""
	index node   // computed segment when name is ""
}

type callNode struct {
	name string
	args []node
}

type parser struct {
	src    string
	tokens []token
	pos    int
}

// parse builds the tree for a complete expression string.
func parse(src string) (node, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, &EvalError{Expr: src, Msg: err.Error(), Err: err}
	}
	p := &parser{src: src, tokens: tokens}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokenEOF {
		return nil, evalErrorf(src, "unexpected %q at offset %d", p.peek().text, p.peek().pos)
	}
	return n, nil
}

func (p *parser) peek() token { return p.tokens[p.pos] }
func (p *parser) next() token { t := p.tokens[p.pos]; p.pos++; return t }
func (p *parser) accept(k tokenKind) bool {
	if p.peek().kind == k {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(k tokenKind, what string) (token, error) {
	if p.peek().kind != k {
		return token{}, evalErrorf(p.src, "expected %s at offset %d, found %q", what, p.peek().pos, p.peek().text)
	}
	return p.next(), nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.accept(tokenOr) {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: tokenOr, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.accept(tokenAnd) {
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: tokenAnd, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	switch k := p.peek().kind; k {
	case tokenEq, tokenNe, tokenLt, tokenLe, tokenGt, tokenGe:
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &binaryNode{op: k, left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	switch p.peek().kind {
	case tokenNot:
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: tokenNot, operand: operand}, nil
	case tokenMinus:
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: tokenMinus, operand: operand}, nil
	}
	return p.parsePostfix()
}

// parsePostfix parses a primary expression followed by any chain of
// member/index accessors.
func (p *parser) parsePostfix() (node, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.accept(tokenDot):
			name, err := p.expect(tokenIdent, "property name")
			if err != nil {
				return nil, err
			}
			base = &memberNode{base: base, name: name.text}
		case p.accept(tokenLBracket):
			index, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokenRBracket, "']'"); err != nil {
				return nil, err
			}
			base = &memberNode{base: base, index: index}
		default:
			return base, nil
		}
	}
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.peek()
	switch tok.kind {
	case tokenNumber:
		p.next()
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, evalErrorf(p.src, "invalid number %q", tok.text)
		}
		return &literalNode{val: f}, nil
	case tokenString:
		p.next()
		return &literalNode{val: tok.text}, nil
	case tokenIdent:
		p.next()
		switch tok.text {
		case "true":
			return &literalNode{val: true}, nil
		case "false":
			return &literalNode{val: false}, nil
		case "null":
			return &literalNode{val: nil}, nil
		}
		if p.accept(tokenLParen) {
			return p.parseCall(tok.text)
		}
		return &identNode{name: tok.text}, nil
	case tokenLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokenRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil
	}
	return nil, evalErrorf(p.src, "unexpected %q at offset %d", tok.text, tok.pos)
}

func (p *parser) parseCall(name string) (node, error) {
	call := &callNode{name: name}
	if p.accept(tokenRParen) {
		return call, nil
	}
	for {
		arg, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		call.args = append(call.args, arg)
		if p.accept(tokenComma) {
			continue
		}
		if _, err := p.expect(tokenRParen, "')'"); err != nil {
			return nil, err
		}
		return call, nil
	}
}
