package reporting

import (
	"fmt"
	"io"
	"os"

	"github.com/xuri/excelize/v2"

	"github.com/digimosa/shop-patrol/internal/models"
)

const (
	itemsSheet   = "Items"
	summarySheet = "Summary"
)

var riskFill = map[models.RiskLevel]string{
	models.RiskCritical: "#F8B4B4",
	models.RiskHigh:     "#FBD5B5",
	models.RiskMedium:   "#FEF3C7",
	models.RiskError:    "#E5E7EB",
}

func (r *Report) SaveXLSX(filename string, riskOnly bool) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()
	return r.WriteXLSX(file, riskOnly)
}

// WriteXLSX writes a workbook with an item sheet and a summary sheet.
func (r *Report) WriteXLSX(w io.Writer, riskOnly bool) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), itemsSheet); err != nil {
		return err
	}

	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#D9E1F2"}, Pattern: 1},
	})
	if err != nil {
		return err
	}
	levelStyles := make(map[models.RiskLevel]int, len(riskFill))
	for lvl, color := range riskFill {
		id, err := f.NewStyle(&excelize.Style{
			Fill: excelize.Fill{Type: "pattern", Color: []string{color}, Pattern: 1},
		})
		if err != nil {
			return err
		}
		levelStyles[lvl] = id
	}

	cols := []interface{}{"Name", "Risk", "Reason", "URL", "Target", "Item Code", "Price"}
	if err := f.SetSheetRow(itemsSheet, "A1", &cols); err != nil {
		return err
	}
	if err := f.SetCellStyle(itemsSheet, "A1", "G1", header); err != nil {
		return err
	}

	for i, it := range r.View(riskOnly) {
		row := i + 2
		var price interface{}
		if it.Price != nil {
			price = *it.Price
		}
		values := []interface{}{it.Name, string(it.Level), it.Reason, it.CanonicalURL, it.TargetURL, it.SourceItemID, price}
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(itemsSheet, cell, &values); err != nil {
			return err
		}
		if style, ok := levelStyles[it.Level]; ok {
			if err := f.SetCellStyle(itemsSheet, fmt.Sprintf("B%d", row), fmt.Sprintf("B%d", row), style); err != nil {
				return err
			}
		}
	}

	for col, width := range map[string]float64{"A": 48, "B": 11, "C": 60, "D": 40, "E": 32, "F": 22, "G": 10} {
		if err := f.SetColWidth(itemsSheet, col, col, width); err != nil {
			return err
		}
	}

	if _, err := f.NewSheet(summarySheet); err != nil {
		return err
	}
	rows := [][]interface{}{
		{"Label", r.Label},
		{"Run ID", r.RunID},
		{"Status", string(r.Status)},
		{"Total", r.Summary.Total},
		{"High risk", r.Summary.HighRiskCount},
		{"Critical", r.Summary.CriticalCount},
		{"Generated", r.GeneratedAt.Format("2006-01-02 15:04:05")},
	}
	for i, t := range r.Targets {
		rows = append(rows, []interface{}{fmt.Sprintf("Target %d", i+1), t.URL, string(t.Status), t.ItemCount, t.Error})
	}
	for i := range rows {
		if err := f.SetSheetRow(summarySheet, fmt.Sprintf("A%d", i+1), &rows[i]); err != nil {
			return err
		}
	}

	return f.Write(w)
}
