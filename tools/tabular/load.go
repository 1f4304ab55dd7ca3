package tabular

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-gota/gota/dataframe"
)

// ErrNoData is returned when the input yields an empty frame.
var ErrNoData = errors.New("could not load data")

// PathResolver maps a file reference to a readable local path or rejects it.
type PathResolver func(ref string) (string, error)

// Load builds a frame from CSV text, a JSON array of objects, a JSON object of
// columns, or a path to a .csv or .json file. resolve may be nil when file inputs are
// not allowed.
func Load(data string, resolve PathResolver) (dataframe.DataFrame, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return dataframe.DataFrame{}, ErrNoData
	}
	if looksLikePath(data) {
		if resolve == nil {
			return dataframe.DataFrame{}, fmt.Errorf("file input %q not allowed", data)
		}
		p, err := resolve(data)
		if err != nil {
			return dataframe.DataFrame{}, err
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			return dataframe.DataFrame{}, fmt.Errorf("read %s: %w", filepath.Base(p), err)
		}
		if strings.EqualFold(filepath.Ext(p), ".json") {
			return fromJSON(string(raw))
		}
		return fromCSV(string(raw))
	}
	if strings.HasPrefix(data, "[") || strings.HasPrefix(data, "{") {
		return fromJSON(data)
	}
	return fromCSV(data)
}

func looksLikePath(data string) bool {
	if strings.ContainsAny(data, "\n,") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(data))
	return ext == ".csv" || ext == ".json" || strings.HasPrefix(data, "/")
}

func fromCSV(data string) (dataframe.DataFrame, error) {
	df := dataframe.ReadCSV(strings.NewReader(data))
	return checked(df)
}

func fromJSON(data string) (dataframe.DataFrame, error) {
	if strings.HasPrefix(strings.TrimSpace(data), "[") {
		return checked(dataframe.ReadJSON(strings.NewReader(data)))
	}
	var cols map[string][]interface{}
	if err := json.Unmarshal([]byte(data), &cols); err != nil {
		return dataframe.DataFrame{}, fmt.Errorf("json data must be an array of objects or an object of columns: %w", err)
	}
	names := make([]string, 0, len(cols))
	rows := 0
	for name, values := range cols {
		names = append(names, name)
		if len(values) > rows {
			rows = len(values)
		}
	}
	sort.Strings(names)
	records := make([]map[string]interface{}, rows)
	for i := range records {
		rec := make(map[string]interface{}, len(names))
		for _, name := range names {
			if i < len(cols[name]) {
				rec[name] = cols[name][i]
			}
		}
		records[i] = rec
	}
	return checked(dataframe.LoadMaps(records))
}

func checked(df dataframe.DataFrame) (dataframe.DataFrame, error) {
	if df.Err != nil {
		return dataframe.DataFrame{}, fmt.Errorf("parse data: %w", df.Err)
	}
	if df.Nrow() == 0 || df.Ncol() == 0 {
		return dataframe.DataFrame{}, ErrNoData
	}
	return df, nil
}
