package reporting

import (
	"encoding/json"
	"html/template"
	"io"
	"os"
	"strings"
	"time"

	"github.com/digimosa/shop-patrol/internal/models"
	"github.com/digimosa/shop-patrol/internal/templates"
)

// Report is an export snapshot of a run.
type Report struct {
	RunID       string                `json:"run_id,omitempty"`
	Label       string                `json:"label"`
	Mode        models.RunMode        `json:"mode,omitempty"`
	Status      models.RunStatus      `json:"status,omitempty"`
	Summary     models.Summary        `json:"summary"`
	Targets     []models.PatrolTarget `json:"targets,omitempty"`
	Items       []models.ScannedItem  `json:"items"`
	GeneratedAt time.Time             `json:"generated_at"`
}

// FromRun builds a report from a persisted run. The stored summary is kept
// as is since fleet runs only retain risk-bearing items.
func FromRun(run *models.PatrolRun) *Report {
	items := run.Items
	if items == nil {
		items = []models.ScannedItem{}
	}
	return &Report{
		RunID:       run.ID,
		Label:       run.Label,
		Mode:        run.Mode,
		Status:      run.Status,
		Summary:     run.Summary,
		Targets:     run.Targets,
		Items:       items,
		GeneratedAt: time.Now(),
	}
}

// FromItems builds a report over an in-memory result set.
func FromItems(label string, items []models.ScannedItem) *Report {
	return &Report{
		Label:       label,
		Summary:     Summarize(items),
		Items:       items,
		GeneratedAt: time.Now(),
	}
}

// View returns the items to export.
func (r *Report) View(riskOnly bool) []models.ScannedItem {
	return Filter(r.Items, riskOnly)
}

func (r *Report) SaveJSON(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()
	return r.WriteJSON(file)
}

func (r *Report) WriteJSON(w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(r)
}

func (r *Report) SaveHTML(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()
	return r.RenderHTML(file)
}

func (r *Report) RenderHTML(w io.Writer) error {
	tmpl, err := template.New("report").Funcs(template.FuncMap{
		"riskClass": func(l models.RiskLevel) string {
			return "risk-" + strings.ToLower(string(l))
		},
		"pct": func(n, total int) float64 {
			if total == 0 {
				return 0
			}
			return float64(n) * 100 / float64(total)
		},
		"riskOnly": func(items []models.ScannedItem) []models.ScannedItem {
			return Filter(items, true)
		},
	}).Parse(templates.ReportHTML)
	if err != nil {
		return err
	}
	return tmpl.Execute(w, r)
}
