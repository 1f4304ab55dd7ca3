package chart

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	gochart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

const (
	width  = 1000
	height = 600
)

// Spec describes one chart over a loaded frame.
type Spec struct {
	Type    string
	XColumn string
	YColumn string
	Title   string
}

// Rendered is a PNG chart plus its data URI.
type Rendered struct {
	PNG     []byte
	DataURI string
}

// Render draws spec over df. Supported types are bar, line, scatter and pie.
func Render(df dataframe.DataFrame, spec Spec) (Rendered, error) {
	kind := strings.ToLower(strings.TrimSpace(spec.Type))
	if kind == "" {
		kind = "bar"
	}
	title := spec.Title
	if title == "" {
		title = "Chart"
	}
	labels, err := column(df, spec.XColumn)
	if err != nil {
		return Rendered{}, err
	}
	ys, err := numeric(df, spec.YColumn)
	if err != nil {
		return Rendered{}, err
	}

	var buf bytes.Buffer
	switch kind {
	case "bar":
		c := gochart.BarChart{Title: title, Width: width, Height: height, BarWidth: 40, Bars: values(labels.Records(), ys)}
		err = c.Render(gochart.PNG, &buf)
	case "pie":
		c := gochart.PieChart{Title: title, Width: width, Height: height, Values: values(labels.Records(), ys)}
		err = c.Render(gochart.PNG, &buf)
	case "line", "scatter":
		xs := labels.Float()
		if labels.Type() != series.Int && labels.Type() != series.Float {
			xs = make([]float64, len(ys))
			for i := range xs {
				xs[i] = float64(i)
			}
		}
		s := gochart.ContinuousSeries{Name: spec.YColumn, XValues: xs, YValues: ys}
		if kind == "scatter" {
			s.Style = gochart.Style{
				StrokeWidth: gochart.Disabled,
				DotWidth:    4,
				DotColor:    drawing.ColorBlue,
			}
		}
		c := gochart.Chart{
			Title:  title,
			Width:  width,
			Height: height,
			XAxis:  gochart.XAxis{Name: spec.XColumn},
			YAxis:  gochart.YAxis{Name: spec.YColumn},
			Series: []gochart.Series{s},
		}
		err = c.Render(gochart.PNG, &buf)
	default:
		return Rendered{}, fmt.Errorf("chart type %q not supported (bar, line, scatter, pie)", spec.Type)
	}
	if err != nil {
		return Rendered{}, fmt.Errorf("render %s chart: %w", kind, err)
	}
	png := buf.Bytes()
	return Rendered{PNG: png, DataURI: "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)}, nil
}

// Save writes the PNG into dir and returns its path.
func (r Rendered) Save(dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	p := filepath.Join(dir, filepath.Base(name))
	if err := os.WriteFile(p, r.PNG, 0o644); err != nil {
		return "", err
	}
	return p, nil
}

func column(df dataframe.DataFrame, name string) (series.Series, error) {
	if name == "" {
		return series.Series{}, fmt.Errorf("x_column is required")
	}
	s := df.Col(name)
	if s.Err != nil {
		return series.Series{}, fmt.Errorf("unknown column %q", name)
	}
	return s, nil
}

func numeric(df dataframe.DataFrame, name string) ([]float64, error) {
	if name == "" {
		return nil, fmt.Errorf("y_column is required")
	}
	s := df.Col(name)
	if s.Err != nil {
		return nil, fmt.Errorf("unknown column %q", name)
	}
	if s.Type() != series.Int && s.Type() != series.Float {
		return nil, fmt.Errorf("column %q is not numeric", name)
	}
	vals := s.Float()
	for _, v := range vals {
		if math.IsNaN(v) {
			return nil, fmt.Errorf("column %q has missing values", name)
		}
	}
	return vals, nil
}

func values(labels []string, ys []float64) []gochart.Value {
	out := make([]gochart.Value, len(ys))
	for i, y := range ys {
		out[i] = gochart.Value{Label: labels[i], Value: y}
	}
	return out
}
