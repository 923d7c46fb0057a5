// Package itemfile reads candidate item lists for a run from YAML or CSV files.
package itemfile

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrUnsupportedFormat = errors.New("unsupported item file format")

// Item is one candidate as written in an item file.
type Item struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"displayName"`
	SourceRef   string `yaml:"sourceRef"`
}

// List is the content of an item file. Label and WaveSize are optional.
type List struct {
	Label    string `yaml:"label"`
	WaveSize int    `yaml:"waveSize"`
	Items    []Item `yaml:"items"`
}

// Load reads path, picking the decoder from the extension (.yaml, .yml or .csv).
func Load(path string) (*List, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open item file: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return DecodeYAML(f)
	case ".csv":
		list, err := DecodeCSV(f)
		if err != nil {
			return nil, err
		}

		list.Label = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

		return list, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

func DecodeYAML(r io.Reader) (*List, error) {
	var list List

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	if err := dec.Decode(&list); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse yaml item file: %w", err)
	}

	return &list, nil
}

// DecodeCSV reads rows of id, display name and source ref. The last two columns
// are optional. A first row whose first cell is "id" is treated as a header.
func DecodeCSV(r io.Reader) (*List, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse csv item file: %w", err)
	}

	if len(rows) > 0 && len(rows[0]) > 0 && strings.EqualFold(strings.TrimSpace(rows[0][0]), "id") {
		rows = rows[1:]
	}

	list := &List{Items: make([]Item, 0, len(rows))}

	for i, row := range rows {
		if len(row) > 3 {
			return nil, fmt.Errorf("failed to parse csv item file: row %d has %d columns, at most 3 allowed", i+1, len(row))
		}

		var item Item

		item.ID = strings.TrimSpace(row[0])
		if len(row) > 1 {
			item.DisplayName = strings.TrimSpace(row[1])
		}

		if len(row) > 2 {
			item.SourceRef = strings.TrimSpace(row[2])
		}

		list.Items = append(list.Items, item)
	}

	return list, nil
}
