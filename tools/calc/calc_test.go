package calc

import (
	"errors"
	"testing"
)

func TestEvaluate(t *testing.T) {
	cases := []struct {
		expr string
		want string
	}{
		{"2 + 2", "4"},
		{"sum([1, 2, 3])", "6"},
		{"max(3, 9, 4)", "9"},
		{"min([5, 2.5])", "2.5"},
		{"2 ** 10", "1024"},
		{"pow(2, 3) + sqrt(16)", "12"},
		{"round(3.14159, 2)", "3.14"},
		{"round(7.5)", "8"},
		{"int(7.9) % 4", "3"},
		{"len([1, 2, 3]) * 2", "6"},
		{"floor(pi)", "3"},
		{"abs(-4) > 3 and not false", "true"},
		{"log(e)", "1"},
		{"exp(0)", "1"},
		{"10 / 4", "2.5"},
		{"-pi < 0 || false", "true"},
		{"max([1, 2]) != 2 && true", "false"},
	}
	for _, tc := range cases {
		got, err := Evaluate(tc.expr)
		if err != nil {
			t.Fatalf("%q: %v", tc.expr, err)
		}
		if got != tc.want {
			t.Fatalf("%q: expected %s, got %s", tc.expr, tc.want, got)
		}
	}
}

func TestEvaluateRejectsOutsideWhitelist(t *testing.T) {
	for _, src := range []string{
		"",
		"upper('x')",
		"now()",
		"env",
		"x + 1",
		"__import__('os')",
		"1 +",
		"$env",
		"$env.pi",
		"let x = 2; x * 3",
		"1..5",
		"sum(1..10)",
		"pi > 3 ? 1 : 0",
		`"a" + "b"`,
		`len("abc")`,
		"2 ^ 3",
		"[1, 2][0]",
		"{a: 1}",
		"1 in [1, 2]",
		"abs",
		"sum(map([1, 2], # * 2))",
		"nil",
	} {
		if _, err := Evaluate(src); !errors.Is(err, ErrInvalidExpression) {
			t.Fatalf("%q: expected ErrInvalidExpression, got %v", src, err)
		}
	}
}

func TestEvaluateFunctionErrors(t *testing.T) {
	if _, err := Evaluate("max([])"); err == nil {
		t.Fatalf("expected max of empty list to fail")
	}
	if _, err := Evaluate("sqrt(1, 2)"); err == nil {
		t.Fatalf("expected arity error")
	}
}
