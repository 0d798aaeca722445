package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Evaluate parses and evaluates one complete expression (without the
// ${{ }} delimiters) against env. Evaluation never mutates env, so
// repeated calls with an unchanged env yield the same value.
func Evaluate(src string, env Env) (cty.Value, error) {
	tree, err := parse(src)
	if err != nil {
		return cty.NilVal, err
	}
	e := &evaluator{src: src, env: env}
	return e.eval(tree)
}

// EvaluateCondition evaluates an "if" condition string. A bare expression
// and one fully wrapped in ${{ }} are evaluated directly; a condition
// mixing literal text and expression spans is interpolated first and the
// resulting string is truthy unless empty or "false".
func EvaluateCondition(src string, env Env) (bool, error) {
	cond := strings.TrimSpace(src)
	if inner, ok := unwrapWhole(cond); ok {
		cond = inner
	} else if strings.Contains(cond, "${{") {
		rendered, err := Interpolate(cond, env)
		if err != nil {
			return false, err
		}
		return rendered != "" && rendered != "false", nil
	}
	val, err := Evaluate(cond, env)
	if err != nil {
		return false, err
	}
	return IsTruthy(val), nil
}

// ReferencesStatus reports whether a condition string calls any of the
// status functions (success, failure, cancelled, always) anywhere in its
// expression tree. Conditions that never consult the status still respect
// it: callers apply an implicit success() check to those.
func ReferencesStatus(src string) bool {
	cond := strings.TrimSpace(src)
	if inner, ok := unwrapWhole(cond); ok {
		return exprReferencesStatus(inner)
	}
	if !strings.Contains(cond, "${{") {
		return exprReferencesStatus(cond)
	}
	rest := cond
	for {
		start := strings.Index(rest, "${{")
		if start < 0 {
			return false
		}
		body := rest[start+3:]
		end, err := closingDelimiter(body)
		if err != nil {
			return false
		}
		if exprReferencesStatus(strings.TrimSpace(body[:end])) {
			return true
		}
		rest = body[end+2:]
	}
}

func exprReferencesStatus(src string) bool {
	tree, err := parse(src)
	if err != nil {
		return false
	}
	return callsStatus(tree)
}

func callsStatus(n node) bool {
	switch n := n.(type) {
	case *callNode:
		if _, ok := statusFunction(n.name); ok {
			return true
		}
		for _, arg := range n.args {
			if callsStatus(arg) {
				return true
			}
		}
	case *unaryNode:
		return callsStatus(n.operand)
	case *binaryNode:
		return callsStatus(n.left) || callsStatus(n.right)
	case *memberNode:
		if callsStatus(n.base) {
			return true
		}
		return n.index != nil && callsStatus(n.index)
	}
	return false
}

// Interpolate substitutes every ${{ … }} span of s with its evaluated
// value, leaving the surrounding text literal.
func Interpolate(s string, env Env) (string, error) {
	var sb strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "${{")
		if start < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		sb.WriteString(rest[:start])
		body := rest[start+3:]
		end, err := closingDelimiter(body)
		if err != nil {
			return "", &EvalError{Expr: s, Msg: err.Error(), Err: err}
		}
		val, err := Evaluate(strings.TrimSpace(body[:end]), env)
		if err != nil {
			return "", err
		}
		text, err := ValueToString(val)
		if err != nil {
			return "", &EvalError{Expr: s, Msg: err.Error(), Err: err}
		}
		sb.WriteString(text)
		rest = body[end+2:]
	}
}

// closingDelimiter finds the offset of the }} terminating an expression
// span, skipping occurrences inside string literals.
func closingDelimiter(body string) (int, error) {
	inString := false
	for i := 0; i < len(body); i++ {
		switch {
		case body[i] == '\'':
			inString = !inString
		case !inString && body[i] == '}' && i+1 < len(body) && body[i+1] == '}':
			return i, nil
		}
	}
	return 0, fmt.Errorf("unterminated ${{ expression")
}

// unwrapWhole reports whether s is exactly one ${{ … }} span and returns
// its body.
func unwrapWhole(s string) (string, bool) {
	if !strings.HasPrefix(s, "${{") {
		return "", false
	}
	body := s[3:]
	end, err := closingDelimiter(body)
	if err != nil {
		return "", false
	}
	if strings.TrimSpace(body[end+2:]) != "" {
		return "", false
	}
	return strings.TrimSpace(body[:end]), true
}

type evaluator struct {
	src string
	env Env
}

func (e *evaluator) eval(n node) (cty.Value, error) {
	switch n := n.(type) {
	case *literalNode:
		switch v := n.val.(type) {
		case string:
			return cty.StringVal(v), nil
		case float64:
			return cty.NumberFloatVal(v), nil
		case bool:
			return cty.BoolVal(v), nil
		default:
			return cty.NullVal(cty.DynamicPseudoType), nil
		}
	case *identNode:
		return e.lookup([]string{n.name})
	case *memberNode:
		return e.evalMember(n)
	case *unaryNode:
		return e.evalUnary(n)
	case *binaryNode:
		return e.evalBinary(n)
	case *callNode:
		return e.evalCall(n)
	}
	return cty.NilVal, evalErrorf(e.src, "unsupported expression node")
}

// evalMember resolves property access. A chain rooted at an identifier is
// a namespace reference handled by the environment; anything else (the
// result of a call such as fromJSON) is traversed as a plain value.
func (e *evaluator) evalMember(n *memberNode) (cty.Value, error) {
	if path, ok, err := e.referencePath(n); err != nil {
		return cty.NilVal, err
	} else if ok {
		return e.lookup(path)
	}
	base, err := e.eval(n.base)
	if err != nil {
		return cty.NilVal, err
	}
	key, err := e.memberKey(n)
	if err != nil {
		return cty.NilVal, err
	}
	return Traverse(base, key)
}

// referencePath flattens a member chain into path segments when its root
// is a bare identifier. Computed [index] segments are evaluated and
// stringified on the way.
func (e *evaluator) referencePath(n node) ([]string, bool, error) {
	switch n := n.(type) {
	case *identNode:
		return []string{n.name}, true, nil
	case *memberNode:
		base, ok, err := e.referencePath(n.base)
		if err != nil || !ok {
			return nil, ok, err
		}
		key, err := e.memberKey(n)
		if err != nil {
			return nil, false, err
		}
		seg, err := ValueToString(key)
		if err != nil {
			return nil, false, err
		}
		return append(base, seg), true, nil
	}
	return nil, false, nil
}

func (e *evaluator) memberKey(n *memberNode) (cty.Value, error) {
	if n.name != "" {
		return cty.StringVal(n.name), nil
	}
	return e.eval(n.index)
}

// lookup queries the environment, mapping unknown references to the empty
// string per the permissive semantics of the language.
func (e *evaluator) lookup(path []string) (cty.Value, error) {
	val, err := e.env.Lookup(path)
	if err != nil {
		return cty.NilVal, &EvalError{Expr: e.src, Msg: err.Error(), Err: err}
	}
	if val == cty.NilVal {
		return cty.StringVal(""), nil
	}
	return val, nil
}

func (e *evaluator) evalUnary(n *unaryNode) (cty.Value, error) {
	operand, err := e.eval(n.operand)
	if err != nil {
		return cty.NilVal, err
	}
	if n.op == tokenNot {
		return cty.BoolVal(!IsTruthy(operand)), nil
	}
	f, ok := numericValue(operand)
	if !ok {
		return cty.NilVal, evalErrorf(e.src, "operand of unary '-' is not a number")
	}
	return cty.NumberFloatVal(-f), nil
}

// evalBinary implements the short-circuiting logical operators (which
// yield the deciding operand, not a bool) and the comparison operators
// with the language's coercion rules.
func (e *evaluator) evalBinary(n *binaryNode) (cty.Value, error) {
	left, err := e.eval(n.left)
	if err != nil {
		return cty.NilVal, err
	}
	switch n.op {
	case tokenAnd:
		if !IsTruthy(left) {
			return left, nil
		}
		return e.eval(n.right)
	case tokenOr:
		if IsTruthy(left) {
			return left, nil
		}
		return e.eval(n.right)
	}

	right, err := e.eval(n.right)
	if err != nil {
		return cty.NilVal, err
	}
	switch n.op {
	case tokenEq:
		return cty.BoolVal(looseEqual(left, right)), nil
	case tokenNe:
		return cty.BoolVal(!looseEqual(left, right)), nil
	}

	// Ordering comparisons coerce both operands to numbers; a value with
	// no numeric form makes the comparison false, never an error.
	lf, lok := numericValue(left)
	rf, rok := numericValue(right)
	if !lok || !rok {
		return cty.False, nil
	}
	switch n.op {
	case tokenLt:
		return cty.BoolVal(lf < rf), nil
	case tokenLe:
		return cty.BoolVal(lf <= rf), nil
	case tokenGt:
		return cty.BoolVal(lf > rf), nil
	case tokenGe:
		return cty.BoolVal(lf >= rf), nil
	}
	return cty.NilVal, evalErrorf(e.src, "unsupported operator")
}

func (e *evaluator) evalCall(n *callNode) (cty.Value, error) {
	name := strings.ToLower(n.name)

	// Status functions close over the caller-supplied aggregate.
	if status, ok := statusFunction(name); ok {
		if len(n.args) != 0 {
			return cty.NilVal, evalErrorf(e.src, "%s() takes no arguments", name)
		}
		return cty.BoolVal(status(e.env.Aggregate())), nil
	}

	fn, ok := builtins[name]
	if !ok {
		return cty.NilVal, evalErrorf(e.src, "unknown function %q", n.name)
	}
	args := make([]cty.Value, len(n.args))
	for i, arg := range n.args {
		val, err := e.eval(arg)
		if err != nil {
			return cty.NilVal, err
		}
		args[i] = val
	}
	result, err := fn.Call(args)
	if err != nil {
		return cty.NilVal, &EvalError{Expr: e.src, Msg: fmt.Sprintf("%s: %v", name, err), Err: err}
	}
	return result, nil
}

// statusFunction maps the arity-zero status builtins to their predicate
// over the aggregate.
func statusFunction(name string) (func(Aggregate) bool, bool) {
	switch name {
	case "success":
		return Aggregate.Success, true
	case "failure":
		return func(a Aggregate) bool { return a.Failed }, true
	case "cancelled", "canceled":
		return func(a Aggregate) bool { return a.Cancelled }, true
	case "always":
		return func(Aggregate) bool { return true }, true
	}
	return nil, false
}

// Traverse resolves one property/index step against a plain value.
// Missing members resolve to the empty string, matching unknown namespace
// references.
func Traverse(base cty.Value, key cty.Value) (cty.Value, error) {
	empty := cty.StringVal("")
	if base == cty.NilVal || base.IsNull() {
		return empty, nil
	}
	ty := base.Type()
	switch {
	case ty.IsObjectType():
		name, err := ValueToString(key)
		if err != nil {
			return cty.NilVal, err
		}
		if !ty.HasAttribute(name) {
			return empty, nil
		}
		return base.GetAttr(name), nil
	case ty.IsMapType():
		name, err := ValueToString(key)
		if err != nil {
			return cty.NilVal, err
		}
		keyVal := cty.StringVal(name)
		if base.HasIndex(keyVal) != cty.True {
			return empty, nil
		}
		return base.Index(keyVal), nil
	case ty.IsTupleType(), ty.IsListType():
		idx, ok := numericValue(key)
		if !ok {
			return empty, nil
		}
		idxVal := cty.NumberIntVal(int64(idx))
		if base.HasIndex(idxVal) != cty.True {
			return empty, nil
		}
		return base.Index(idxVal), nil
	default:
		return empty, nil
	}
}

// IsTruthy implements the language's truthiness: null, false, zero and
// the empty string are falsy; everything else is truthy.
func IsTruthy(v cty.Value) bool {
	if v == cty.NilVal || v.IsNull() {
		return false
	}
	switch v.Type() {
	case cty.Bool:
		return v.True()
	case cty.Number:
		f, _ := v.AsBigFloat().Float64()
		return f != 0
	case cty.String:
		return v.AsString() != ""
	default:
		return true
	}
}

// looseEqual compares two values: same-type comparisons are exact, a
// number equals its own string representation, null equals the empty
// string, and every other cross-type comparison is false.
func looseEqual(a, b cty.Value) bool {
	a = normalizeNull(a)
	b = normalizeNull(b)
	if a.Type().Equals(b.Type()) {
		return a.Equals(b).True()
	}
	if a.Type() == cty.Number && b.Type() == cty.String {
		return numberEqualsString(a, b)
	}
	if a.Type() == cty.String && b.Type() == cty.Number {
		return numberEqualsString(b, a)
	}
	return false
}

func normalizeNull(v cty.Value) cty.Value {
	if v == cty.NilVal || v.IsNull() {
		return cty.StringVal("")
	}
	return v
}

func numberEqualsString(num, str cty.Value) bool {
	f, err := strconv.ParseFloat(strings.TrimSpace(str.AsString()), 64)
	if err != nil {
		return false
	}
	return num.Equals(cty.NumberFloatVal(f)).True()
}

// numericValue coerces a value to a float: numbers directly, numeric
// strings by parsing, booleans to 0/1, null to 0.
func numericValue(v cty.Value) (float64, bool) {
	if v == cty.NilVal || v.IsNull() {
		return 0, true
	}
	switch v.Type() {
	case cty.Number:
		f, _ := v.AsBigFloat().Float64()
		return f, true
	case cty.String:
		s := strings.TrimSpace(v.AsString())
		if s == "" {
			return 0, true
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	case cty.Bool:
		if v.True() {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// ValueToString renders a value the way interpolation does: null as the
// empty string, scalars in their canonical text form, collections as
// JSON.
func ValueToString(v cty.Value) (string, error) {
	if v == cty.NilVal || v.IsNull() {
		return "", nil
	}
	switch v.Type() {
	case cty.String:
		return v.AsString(), nil
	case cty.Bool:
		return strconv.FormatBool(v.True()), nil
	case cty.Number:
		return v.AsBigFloat().Text('f', -1), nil
	default:
		out, err := ctyjson.Marshal(v, v.Type())
		if err != nil {
			return "", err
		}
		return string(out), nil
	}
}
