package targets

import (
	"bufio"
	"encoding/csv"
	"errors"
	"io"
	"strings"
)

// TextLoader reads one target per line.
type TextLoader struct{}

func (l *TextLoader) Load(r io.Reader) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	// Handle long lines
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		out = append(out, scanner.Text())
	}
	return out, scanner.Err()
}

// CSVLoader reads the first column of every row. A header row whose first
// cell is "url", "shop" or "target" is skipped.
type CSVLoader struct{}

func (l *CSVLoader) Load(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.Comment = '#'

	var out []string
	for row := 0; ; row++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) == 0 {
			continue
		}
		if row == 0 && isHeader(rec[0]) {
			continue
		}
		out = append(out, rec[0])
	}
	return out, nil
}

func isHeader(cell string) bool {
	switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(cell, "\ufeff"))) {
	case "url", "shop", "shop_url", "target", "shopcode", "shop_code":
		return true
	}
	return false
}
