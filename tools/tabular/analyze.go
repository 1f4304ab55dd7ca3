package tabular

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
)

const (
	headRows     = 10
	maxTableRows = 200
)

// Request is one analysis over a loaded frame.
type Request struct {
	Operation string
	Column    string
	Condition string
	AggFunc   string
}

var comparators = []struct {
	op  string
	cmp series.Comparator
}{
	// two-character operators first so ">=" is not read as ">"
	{"==", series.Eq},
	{"!=", series.Neq},
	{">=", series.GreaterEq},
	{"<=", series.LessEq},
	{">", series.Greater},
	{"<", series.Less},
}

// Analyze runs req against df and returns the textual result.
func Analyze(df dataframe.DataFrame, req Request) (string, error) {
	op := strings.ToLower(strings.TrimSpace(req.Operation))
	switch op {
	case "sum", "mean":
		if req.Column == "" {
			return "", fmt.Errorf("operation %s requires column", op)
		}
		vals, err := numericColumn(df, req.Column)
		if err != nil {
			return "", err
		}
		v := aggregate(vals, op)
		return formatFloat(v), nil
	case "count":
		return strconv.Itoa(df.Nrow()), nil
	case "describe":
		return renderCSV(df.Describe(), maxTableRows), nil
	case "columns":
		raw, _ := json.Marshal(df.Names())
		return string(raw), nil
	case "head":
		return renderCSV(df, headRows), nil
	case "filter":
		return filter(df, req.Condition)
	case "aggregate":
		return aggregateFrame(df, req.Column, req.AggFunc)
	default:
		return summary(df), nil
	}
}

func filter(df dataframe.DataFrame, condition string) (string, error) {
	col, cmp, value, err := ParseCondition(condition)
	if err != nil {
		return "", err
	}
	if !hasColumn(df, col) {
		return "", fmt.Errorf("unknown column %q", col)
	}
	out := df.Filter(dataframe.F{Colname: col, Comparator: cmp, Comparando: value})
	if out.Err != nil {
		return "", fmt.Errorf("filter: %w", out.Err)
	}
	return fmt.Sprintf("Matched %d rows\n%s", out.Nrow(), renderCSV(out, maxTableRows)), nil
}

// ParseCondition splits "col OP value" with OP one of == != > >= < <=.
func ParseCondition(condition string) (string, series.Comparator, string, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return "", "", "", fmt.Errorf("operation filter requires condition")
	}
	for _, c := range comparators {
		idx := strings.Index(condition, c.op)
		if idx <= 0 {
			continue
		}
		col := strings.Trim(strings.TrimSpace(condition[:idx]), "`\"'")
		value := strings.Trim(strings.TrimSpace(condition[idx+len(c.op):]), "\"'")
		if col == "" || value == "" {
			break
		}
		return col, c.cmp, value, nil
	}
	return "", "", "", fmt.Errorf("condition %q must look like 'column OP value' with OP in == != > >= < <=", condition)
}

func aggregateFrame(df dataframe.DataFrame, column, fn string) (string, error) {
	fn = strings.ToLower(strings.TrimSpace(fn))
	if fn == "" {
		fn = "sum"
	}
	switch fn {
	case "sum", "mean", "min", "max", "count":
	default:
		return "", fmt.Errorf("agg_func %q not supported (sum, mean, min, max, count)", fn)
	}
	names := df.Names()
	if column != "" {
		names = []string{column}
	}
	var b strings.Builder
	for _, name := range names {
		if !hasColumn(df, name) {
			return "", fmt.Errorf("unknown column %q", name)
		}
		s := df.Col(name)
		if fn == "count" {
			fmt.Fprintf(&b, "%s: %d\n", name, s.Len()-countNaN(s))
			continue
		}
		if s.Type() != series.Int && s.Type() != series.Float {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", name, formatFloat(aggregate(s.Float(), fn)))
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("no numeric columns to aggregate")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func summary(df dataframe.DataFrame) string {
	names, _ := json.Marshal(df.Names())
	return fmt.Sprintf("Data shape: (%d, %d)\nColumns: %s\n\n%s", df.Nrow(), df.Ncol(), names, renderCSV(df, 5))
}

func numericColumn(df dataframe.DataFrame, name string) ([]float64, error) {
	if !hasColumn(df, name) {
		return nil, fmt.Errorf("unknown column %q", name)
	}
	s := df.Col(name)
	if s.Type() != series.Int && s.Type() != series.Float {
		return nil, fmt.Errorf("column %q is not numeric", name)
	}
	return s.Float(), nil
}

func hasColumn(df dataframe.DataFrame, name string) bool {
	for _, n := range df.Names() {
		if n == name {
			return true
		}
	}
	return false
}

func countNaN(s series.Series) int {
	n := 0
	for _, isNaN := range s.IsNaN() {
		if isNaN {
			n++
		}
	}
	return n
}

// aggregate skips NaN values.
func aggregate(vals []float64, fn string) float64 {
	var (
		sum   float64
		count int
		lo    = math.Inf(1)
		hi    = math.Inf(-1)
	)
	for _, v := range vals {
		if math.IsNaN(v) {
			continue
		}
		sum += v
		count++
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if count == 0 {
		return math.NaN()
	}
	switch fn {
	case "mean":
		return sum / float64(count)
	case "min":
		return lo
	case "max":
		return hi
	default:
		return sum
	}
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return "NaN"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func renderCSV(df dataframe.DataFrame, limit int) string {
	if df.Nrow() > limit {
		idx := make([]int, limit)
		for i := range idx {
			idx[i] = i
		}
		df = df.Subset(idx)
	}
	var buf bytes.Buffer
	if err := df.WriteCSV(&buf); err != nil {
		return df.String()
	}
	return strings.TrimRight(buf.String(), "\n")
}
