package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// builtins is the fixed function table of the expression language, keyed
// by lower-cased name. The status functions (success, failure, always,
// cancelled) are not here; they need the evaluation environment and are
// dispatched by the evaluator itself.
var builtins = map[string]function.Function{
	"contains":   containsFunc,
	"startswith": startsWithFunc,
	"endswith":   endsWithFunc,
	"join":       joinFunc,
	"format":     formatFunc,
	"tojson":     toJSONFunc,
	"fromjson":   fromJSONFunc,
}

func dynParam(name string) function.Parameter {
	return function.Parameter{
		Name:      name,
		Type:      cty.DynamicPseudoType,
		AllowNull: true,
	}
}

// containsFunc reports substring containment when the haystack is a
// string, and membership (loose equality) when it is a collection.
var containsFunc = function.New(&function.Spec{
	Params: []function.Parameter{dynParam("search"), dynParam("item")},
	Type:   function.StaticReturnType(cty.Bool),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		search, item := args[0], args[1]
		if search.IsNull() {
			return cty.False, nil
		}
		if ty := search.Type(); ty.IsTupleType() || ty.IsListType() || ty.IsSetType() {
			for it := search.ElementIterator(); it.Next(); {
				_, elem := it.Element()
				if looseEqual(elem, item) {
					return cty.True, nil
				}
			}
			return cty.False, nil
		}
		haystack, err := ValueToString(search)
		if err != nil {
			return cty.NilVal, err
		}
		needle, err := ValueToString(item)
		if err != nil {
			return cty.NilVal, err
		}
		return cty.BoolVal(strings.Contains(haystack, needle)), nil
	},
})

var startsWithFunc = function.New(&function.Spec{
	Params: []function.Parameter{dynParam("searchString"), dynParam("searchValue")},
	Type:   function.StaticReturnType(cty.Bool),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		s, err := ValueToString(args[0])
		if err != nil {
			return cty.NilVal, err
		}
		prefix, err := ValueToString(args[1])
		if err != nil {
			return cty.NilVal, err
		}
		return cty.BoolVal(strings.HasPrefix(s, prefix)), nil
	},
})

var endsWithFunc = function.New(&function.Spec{
	Params: []function.Parameter{dynParam("searchString"), dynParam("searchValue")},
	Type:   function.StaticReturnType(cty.Bool),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		s, err := ValueToString(args[0])
		if err != nil {
			return cty.NilVal, err
		}
		suffix, err := ValueToString(args[1])
		if err != nil {
			return cty.NilVal, err
		}
		return cty.BoolVal(strings.HasSuffix(s, suffix)), nil
	},
})

// joinFunc concatenates collection elements with an optional separator
// (default ","). A scalar joins to its own string form.
var joinFunc = function.New(&function.Spec{
	Params:   []function.Parameter{dynParam("array")},
	VarParam: ptrParam(dynParam("separator")),
	Type:     function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		sep := ","
		if len(args) > 1 {
			s, err := ValueToString(args[1])
			if err != nil {
				return cty.NilVal, err
			}
			sep = s
		}
		arr := args[0]
		if arr.IsNull() {
			return cty.StringVal(""), nil
		}
		if ty := arr.Type(); !ty.IsTupleType() && !ty.IsListType() && !ty.IsSetType() {
			s, err := ValueToString(arr)
			if err != nil {
				return cty.NilVal, err
			}
			return cty.StringVal(s), nil
		}
		var parts []string
		for it := arr.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			s, err := ValueToString(elem)
			if err != nil {
				return cty.NilVal, err
			}
			parts = append(parts, s)
		}
		return cty.StringVal(strings.Join(parts, sep)), nil
	},
})

// formatFunc substitutes {N} placeholders; {{ and }} escape literal
// braces. An out-of-range placeholder is an error, not an empty string.
var formatFunc = function.New(&function.Spec{
	Params:   []function.Parameter{dynParam("format")},
	VarParam: ptrParam(dynParam("args")),
	Type:     function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		layout, err := ValueToString(args[0])
		if err != nil {
			return cty.NilVal, err
		}
		var sb strings.Builder
		for i := 0; i < len(layout); i++ {
			switch {
			case layout[i] == '{' && i+1 < len(layout) && layout[i+1] == '{':
				sb.WriteByte('{')
				i++
			case layout[i] == '}' && i+1 < len(layout) && layout[i+1] == '}':
				sb.WriteByte('}')
				i++
			case layout[i] == '{':
				end := strings.IndexByte(layout[i:], '}')
				if end < 0 {
					return cty.NilVal, fmt.Errorf("unclosed placeholder in format string")
				}
				idx, convErr := strconv.Atoi(layout[i+1 : i+end])
				if convErr != nil {
					return cty.NilVal, fmt.Errorf("invalid placeholder %q", layout[i:i+end+1])
				}
				if idx < 0 || idx+1 >= len(args) {
					return cty.NilVal, fmt.Errorf("format placeholder {%d} has no argument", idx)
				}
				s, convErr := ValueToString(args[idx+1])
				if convErr != nil {
					return cty.NilVal, convErr
				}
				sb.WriteString(s)
				i += end
			default:
				sb.WriteByte(layout[i])
			}
		}
		return cty.StringVal(sb.String()), nil
	},
})

var toJSONFunc = function.New(&function.Spec{
	Params: []function.Parameter{dynParam("value")},
	Type:   function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		v := args[0]
		if v.IsNull() {
			return cty.StringVal("null"), nil
		}
		out, err := ctyjson.Marshal(v, v.Type())
		if err != nil {
			return cty.NilVal, err
		}
		return cty.StringVal(string(out)), nil
	},
})

var fromJSONFunc = function.New(&function.Spec{
	Params: []function.Parameter{dynParam("text")},
	Type: func(args []cty.Value) (cty.Type, error) {
		return cty.DynamicPseudoType, nil
	},
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		raw, err := ValueToString(args[0])
		if err != nil {
			return cty.NilVal, err
		}
		ty, err := ctyjson.ImpliedType([]byte(raw))
		if err != nil {
			return cty.NilVal, fmt.Errorf("invalid JSON: %w", err)
		}
		return ctyjson.Unmarshal([]byte(raw), ty)
	},
})

func ptrParam(p function.Parameter) *function.Parameter { return &p }
