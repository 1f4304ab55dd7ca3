package calc

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
)

const maxExpressionLen = 4096

// ErrInvalidExpression wraps compile and evaluation failures.
var ErrInvalidExpression = errors.New("invalid expression")

// Functions lists the callable names, in addition to the constants pi and e.
var Functions = []string{
	"abs", "round", "min", "max", "sum", "len", "int", "float", "pow", "sqrt",
	"floor", "ceil", "log", "log10", "exp", "sin", "cos", "tan",
}

var constants = map[string]interface{}{
	"pi": math.Pi,
	"e":  math.E,
}

// operators is the closed set of unary and binary operators. "^" is excluded; expr
// reads it as power, not XOR.
var operators = map[string]bool{
	"+": true, "-": true, "*": true, "/": true, "%": true, "**": true,
	"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
	"and": true, "or": true, "&&": true, "||": true, "not": true, "!": true,
}

// guard rejects every syntax node outside numeric literals, lists, whitelisted
// operators, calls to whitelisted functions and the constants pi and e.
type guard struct {
	funcs map[string]bool
	// callees are function identifiers not yet seen as the callee of a call.
	callees map[*ast.IdentifierNode]bool
	err     error
}

func newGuard() *guard {
	g := &guard{funcs: make(map[string]bool, len(Functions)), callees: map[*ast.IdentifierNode]bool{}}
	for _, name := range Functions {
		g.funcs[name] = true
	}
	return g
}

func (g *guard) Visit(node *ast.Node) {
	if g.err != nil {
		return
	}
	switch n := (*node).(type) {
	case *ast.IntegerNode, *ast.FloatNode, *ast.BoolNode, *ast.ArrayNode:
	case *ast.IdentifierNode:
		switch {
		case constants[n.Value] != nil:
		case g.funcs[n.Value]:
			g.callees[n] = true
		default:
			g.err = fmt.Errorf("name %q is not allowed", n.Value)
		}
	case *ast.UnaryNode:
		if !operators[n.Operator] {
			g.err = fmt.Errorf("operator %q is not allowed", n.Operator)
		}
	case *ast.BinaryNode:
		if !operators[n.Operator] {
			g.err = fmt.Errorf("operator %q is not allowed", n.Operator)
		}
	case *ast.CallNode:
		id, ok := n.Callee.(*ast.IdentifierNode)
		if !ok || !g.funcs[id.Value] {
			g.err = errors.New("only whitelisted functions may be called")
			return
		}
		delete(g.callees, id)
	default:
		g.err = fmt.Errorf("%T is not allowed", n)
	}
}

func (g *guard) check() error {
	if g.err != nil {
		return g.err
	}
	for id := range g.callees {
		return fmt.Errorf("function %q must be called", id.Value)
	}
	return nil
}

// Evaluate computes expression with every builtin disabled. Only numeric literals,
// lists, the operators above, the whitelisted functions and the constants pi and e
// are accepted. Python-style "**" power is supported.
func Evaluate(expression string) (string, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidExpression)
	}
	if len(expression) > maxExpressionLen {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidExpression, maxExpressionLen)
	}
	g := newGuard()
	opts := []expr.Option{
		expr.Env(constants),
		expr.DisableAllBuiltins(),
		expr.Patch(g),
	}
	for _, fn := range whitelist() {
		opts = append(opts, expr.Function(fn.name, fn.impl))
	}
	program, err := expr.Compile(expression, opts...)
	if gerr := g.check(); gerr != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidExpression, gerr)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}
	out, err := expr.Run(program, constants)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}
	return format(out), nil
}

type function struct {
	name string
	impl func(params ...interface{}) (interface{}, error)
}

func whitelist() []function {
	unary := func(name string, f func(float64) float64) function {
		return function{name, func(params ...interface{}) (interface{}, error) {
			x, err := oneNumber(name, params)
			if err != nil {
				return nil, err
			}
			return f(x), nil
		}}
	}
	return []function{
		unary("abs", math.Abs),
		unary("sqrt", math.Sqrt),
		unary("floor", math.Floor),
		unary("ceil", math.Ceil),
		unary("log10", math.Log10),
		unary("exp", math.Exp),
		unary("sin", math.Sin),
		unary("cos", math.Cos),
		unary("tan", math.Tan),
		unary("float", func(x float64) float64 { return x }),
		{"int", func(params ...interface{}) (interface{}, error) {
			x, err := oneNumber("int", params)
			if err != nil {
				return nil, err
			}
			return int(math.Trunc(x)), nil
		}},
		{"round", func(params ...interface{}) (interface{}, error) {
			if len(params) == 0 || len(params) > 2 {
				return nil, errors.New("round expects 1 or 2 arguments")
			}
			x, err := toFloat(params[0])
			if err != nil {
				return nil, err
			}
			if len(params) == 1 {
				return int(math.RoundToEven(x)), nil
			}
			digits, err := toFloat(params[1])
			if err != nil {
				return nil, err
			}
			scale := math.Pow(10, math.Trunc(digits))
			return math.RoundToEven(x*scale) / scale, nil
		}},
		{"pow", func(params ...interface{}) (interface{}, error) {
			if len(params) != 2 {
				return nil, errors.New("pow expects 2 arguments")
			}
			base, err := toFloat(params[0])
			if err != nil {
				return nil, err
			}
			exp, err := toFloat(params[1])
			if err != nil {
				return nil, err
			}
			return math.Pow(base, exp), nil
		}},
		{"log", func(params ...interface{}) (interface{}, error) {
			if len(params) == 0 || len(params) > 2 {
				return nil, errors.New("log expects 1 or 2 arguments")
			}
			x, err := toFloat(params[0])
			if err != nil {
				return nil, err
			}
			if len(params) == 1 {
				return math.Log(x), nil
			}
			base, err := toFloat(params[1])
			if err != nil {
				return nil, err
			}
			return math.Log(x) / math.Log(base), nil
		}},
		{"min", reducer("min", math.Min)},
		{"max", reducer("max", math.Max)},
		{"sum", func(params ...interface{}) (interface{}, error) {
			vals, err := numbers(params)
			if err != nil {
				return nil, err
			}
			var total float64
			for _, v := range vals {
				total += v
			}
			return total, nil
		}},
		{"len", func(params ...interface{}) (interface{}, error) {
			if len(params) != 1 {
				return nil, errors.New("len expects 1 argument")
			}
			v := reflect.ValueOf(params[0])
			switch v.Kind() {
			case reflect.String, reflect.Slice, reflect.Array, reflect.Map:
				return v.Len(), nil
			}
			return nil, fmt.Errorf("len of %T", params[0])
		}},
	}
}

func reducer(name string, f func(a, b float64) float64) func(params ...interface{}) (interface{}, error) {
	return func(params ...interface{}) (interface{}, error) {
		vals, err := numbers(params)
		if err != nil {
			return nil, err
		}
		if len(vals) == 0 {
			return nil, fmt.Errorf("%s of empty sequence", name)
		}
		acc := vals[0]
		for _, v := range vals[1:] {
			acc = f(acc, v)
		}
		return acc, nil
	}
}

func oneNumber(name string, params []interface{}) (float64, error) {
	if len(params) != 1 {
		return 0, fmt.Errorf("%s expects 1 argument", name)
	}
	return toFloat(params[0])
}

// numbers accepts either a single list argument or several scalars.
func numbers(params []interface{}) ([]float64, error) {
	if len(params) == 1 {
		v := reflect.ValueOf(params[0])
		if v.Kind() == reflect.Slice || v.Kind() == reflect.Array {
			out := make([]float64, v.Len())
			for i := range out {
				f, err := toFloat(v.Index(i).Interface())
				if err != nil {
					return nil, err
				}
				out[i] = f
			}
			return out, nil
		}
	}
	out := make([]float64, len(params))
	for i, p := range params {
		f, err := toFloat(p)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %q to number", n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("expected number, got %T", v)
}

func format(v interface{}) string {
	switch n := v.(type) {
	case float64:
		if math.IsInf(n, 0) || math.IsNaN(n) {
			return strconv.FormatFloat(n, 'g', -1, 64)
		}
		return strconv.FormatFloat(n, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(n), 'f', -1, 32)
	case nil:
		return "None"
	}
	return fmt.Sprint(v)
}
