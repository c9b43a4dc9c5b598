package targets

import (
	"io"

	"github.com/xuri/excelize/v2"
)

// XLSXLoader reads the first non-empty cell of every row on the first sheet.
type XLSXLoader struct{}

func (l *XLSXLoader) Load(r io.Reader) ([]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil
	}

	// Use streaming row iterator for memory efficiency
	rows, err := f.Rows(sheets[0])
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rowIdx := 0; rows.Next(); rowIdx++ {
		cols, err := rows.Columns()
		if err != nil {
			return nil, err
		}
		for _, cell := range cols {
			if cell == "" {
				continue
			}
			if rowIdx > 0 || !isHeader(cell) {
				out = append(out, cell)
			}
			break
		}
	}
	return out, rows.Error()
}
