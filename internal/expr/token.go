package expr

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenIdent
	tokenNumber
	tokenString
	tokenLParen
	tokenRParen
	tokenLBracket
	tokenRBracket
	tokenDot
	tokenComma
	tokenNot
	tokenAnd
	tokenOr
	tokenEq
	tokenNe
	tokenLt
	tokenLe
	tokenGt
	tokenGe
	tokenMinus
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// lex splits an expression into tokens. String literals are single-quoted
// with '' as the escape for a literal quote.
func lex(src string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			i++
		case c == '(':
			tokens = append(tokens, token{tokenLParen, "(", i})
			i++
		case c == ')':
			tokens = append(tokens, token{tokenRParen, ")", i})
			i++
		case c == '[':
			tokens = append(tokens, token{tokenLBracket, "[", i})
			i++
		case c == ']':
			tokens = append(tokens, token{tokenRBracket, "]", i})
			i++
		case c == '.':
			tokens = append(tokens, token{tokenDot, ".", i})
			i++
		case c == ',':
			tokens = append(tokens, token{tokenComma, ",", i})
			i++
		case c == '-':
			tokens = append(tokens, token{tokenMinus, "-", i})
			i++
		case c == '!':
			if i+1 < len(src) && src[i+1] == '=' {
				tokens = append(tokens, token{tokenNe, "!=", i})
				i += 2
			} else {
				tokens = append(tokens, token{tokenNot, "!", i})
				i++
			}
		case c == '&':
			if i+1 >= len(src) || src[i+1] != '&' {
				return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
			}
			tokens = append(tokens, token{tokenAnd, "&&", i})
			i += 2
		case c == '|':
			if i+1 >= len(src) || src[i+1] != '|' {
				return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
			}
			tokens = append(tokens, token{tokenOr, "||", i})
			i += 2
		case c == '=':
			if i+1 >= len(src) || src[i+1] != '=' {
				return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
			}
			tokens = append(tokens, token{tokenEq, "==", i})
			i += 2
		case c == '<':
			if i+1 < len(src) && src[i+1] == '=' {
				tokens = append(tokens, token{tokenLe, "<=", i})
				i += 2
			} else {
				tokens = append(tokens, token{tokenLt, "<", i})
				i++
			}
		case c == '>':
			if i+1 < len(src) && src[i+1] == '=' {
				tokens = append(tokens, token{tokenGe, ">=", i})
				i += 2
			} else {
				tokens = append(tokens, token{tokenGt, ">", i})
				i++
			}
		case c == '\'':
			text, next, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tokenString, text, i})
			i = next
		case c >= '0' && c <= '9':
			start := i
			for i < len(src) && (src[i] >= '0' && src[i] <= '9') {
				i++
			}
			if i < len(src) && src[i] == '.' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9' {
				i++
				for i < len(src) && src[i] >= '0' && src[i] <= '9' {
					i++
				}
			}
			tokens = append(tokens, token{tokenNumber, src[start:i], start})
		case isIdentStart(rune(c)):
			start := i
			for i < len(src) && isIdentPart(rune(src[i])) {
				i++
			}
			tokens = append(tokens, token{tokenIdent, src[start:i], start})
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
		}
	}
	tokens = append(tokens, token{tokenEOF, "", len(src)})
	return tokens, nil
}

// lexString consumes a single-quoted literal starting at src[start]. A
// doubled quote ('') inside the literal is an escaped quote.
func lexString(src string, start int) (string, int, error) {
	var sb strings.Builder
	i := start + 1
	for i < len(src) {
		if src[i] == '\'' {
			if i+1 < len(src) && src[i+1] == '\'' {
				sb.WriteByte('\'')
				i += 2
				continue
			}
			return sb.String(), i + 1, nil
		}
		sb.WriteByte(src[i])
		i++
	}
	return "", 0, fmt.Errorf("unterminated string literal at offset %d", start)
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
