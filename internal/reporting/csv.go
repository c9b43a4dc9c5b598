package reporting

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/digimosa/shop-patrol/internal/models"
)

const utf8BOM = "\ufeff"

var csvHeader = []string{"Name", "Risk", "Reason", "URL"}

// WriteCSV writes a spreadsheet-friendly CSV: UTF-8 BOM, every field quoted,
// embedded quotes doubled, one "\n" per row.
func (r *Report) WriteCSV(w io.Writer, riskOnly bool) error {
	return WriteCSV(w, r.View(riskOnly))
}

func (r *Report) SaveCSV(filename string, riskOnly bool) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()
	return r.WriteCSV(file, riskOnly)
}

// WriteCSV writes items in the export layout.
func WriteCSV(w io.Writer, items []models.ScannedItem) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(utf8BOM); err != nil {
		return err
	}
	writeRow(bw, csvHeader)
	for _, it := range items {
		writeRow(bw, []string{it.Name, string(it.Level), it.Reason, it.CanonicalURL})
	}
	return bw.Flush()
}

func writeRow(w *bufio.Writer, fields []string) {
	for i, f := range fields {
		if i > 0 {
			w.WriteByte(',')
		}
		w.WriteByte('"')
		w.WriteString(strings.ReplaceAll(f, `"`, `""`))
		w.WriteByte('"')
	}
	w.WriteByte('\n')
}

// WriteCSV exports the aggregator's current contents.
func (a *Aggregator) WriteCSV(w io.Writer, riskOnly bool) error {
	return WriteCSV(w, Filter(a.Items(), riskOnly))
}
