package reporting

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/phpdave11/gofpdf"

	"github.com/digimosa/shop-patrol/internal/models"
)

// PDFOptions controls the PDF export.
type PDFOptions struct {
	// FontPath is a TrueType font with Japanese glyphs. Without one the
	// report falls back to Helvetica and non-ASCII text becomes '?'.
	FontPath string
	RiskOnly bool
	MaxItems int
}

func (r *Report) SavePDF(filename string, opts PDFOptions) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()
	return r.WritePDF(file, opts)
}

func (r *Report) WritePDF(w io.Writer, opts PDFOptions) error {
	if opts.MaxItems <= 0 {
		opts.MaxItems = 500
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(14, 14, 14)
	pdf.SetAutoPageBreak(true, 14)
	pdf.SetTitle("Shop Patrol Report", false)

	family, utf8OK := initUnicodeFont(pdf, opts.FontPath)
	pdf.AddPage()

	pdf.SetFont(family, "B", 16)
	pdf.CellFormat(0, 9, "Shop Patrol Report", "", 1, "L", false, 0, "")

	pdf.SetFont(family, "", 10)
	pdf.SetTextColor(60, 60, 60)
	pdf.CellFormat(0, 6, "Generated at: "+r.GeneratedAt.Format("2006-01-02 15:04:05"), "", 1, "L", false, 0, "")
	pdf.Ln(2)

	sectionTitle(pdf, family, "Summary")
	kv(pdf, family, utf8OK, "Label", r.Label)
	kv(pdf, family, utf8OK, "Run ID", r.RunID)
	kv(pdf, family, utf8OK, "Status", string(r.Status))
	kv(pdf, family, utf8OK, "Total", fmt.Sprintf("%d", r.Summary.Total))
	kv(pdf, family, utf8OK, "High risk", fmt.Sprintf("%d", r.Summary.HighRiskCount))
	kv(pdf, family, utf8OK, "Critical", fmt.Sprintf("%d", r.Summary.CriticalCount))
	if !utf8OK {
		pdf.SetFont(family, "", 9)
		pdf.SetTextColor(120, 80, 0)
		pdf.MultiCell(0, 4.5, "- pdf utf8 font not available; non-ascii text is replaced with '?'", "", "L", false)
	}
	pdf.Ln(2)

	if len(r.Targets) > 0 {
		sectionTitle(pdf, family, "Targets")
		for i, t := range r.Targets {
			line := fmt.Sprintf("%d. [%s] %s (%d items)", i+1, t.Status, safeText(t.URL, utf8OK), t.ItemCount)
			if t.Error != "" {
				line += " - " + safeText(t.Error, utf8OK)
			}
			pdf.SetFont(family, "", 9)
			pdf.SetTextColor(30, 30, 30)
			pdf.MultiCell(0, 4.5, line, "", "L", false)
		}
		pdf.Ln(2)
	}

	items := r.View(opts.RiskOnly)
	title := "Items"
	if opts.RiskOnly {
		title = "Risk-bearing items"
	}
	sectionTitle(pdf, family, title)
	if len(items) == 0 {
		pdf.SetFont(family, "", 10)
		pdf.SetTextColor(90, 90, 90)
		pdf.MultiCell(0, 5, "(empty)", "", "L", false)
	}
	for i, it := range items {
		if i >= opts.MaxItems {
			pdf.SetFont(family, "", 9)
			pdf.SetTextColor(90, 90, 90)
			pdf.MultiCell(0, 4.5, fmt.Sprintf("... %d more items omitted; use the CSV or XLSX export.", len(items)-opts.MaxItems), "", "L", false)
			break
		}
		setRiskColor(pdf, it.Level)
		pdf.SetFont(family, "B", 10)
		pdf.MultiCell(0, 5, fmt.Sprintf("[%s] %s", it.Level, safeText(it.Name, utf8OK)), "", "L", false)
		pdf.SetFont(family, "", 9)
		pdf.SetTextColor(40, 40, 40)
		if it.Reason != "" {
			pdf.MultiCell(0, 4.5, "reason: "+safeText(it.Reason, utf8OK), "", "L", false)
		}
		if it.CanonicalURL != "" {
			pdf.MultiCell(0, 4.5, "url: "+safeText(it.CanonicalURL, utf8OK), "", "L", false)
		}
		pdf.Ln(1)
	}

	if pdf.Err() {
		return pdf.Error()
	}
	return pdf.Output(w)
}

func setRiskColor(pdf *gofpdf.Fpdf, l models.RiskLevel) {
	switch l {
	case models.RiskCritical:
		pdf.SetTextColor(185, 28, 28)
	case models.RiskHigh:
		pdf.SetTextColor(194, 65, 12)
	case models.RiskMedium:
		pdf.SetTextColor(161, 98, 7)
	default:
		pdf.SetTextColor(20, 20, 20)
	}
}

func sectionTitle(pdf *gofpdf.Fpdf, family string, title string) {
	pdf.SetFont(family, "B", 12)
	pdf.SetTextColor(0, 0, 0)
	pdf.CellFormat(0, 7, title, "", 1, "L", false, 0, "")
	pdf.SetDrawColor(200, 200, 200)
	pdf.Line(pdf.GetX(), pdf.GetY(), 196, pdf.GetY())
	pdf.Ln(2)
}

func kv(pdf *gofpdf.Fpdf, family string, utf8OK bool, key, value string) {
	if strings.TrimSpace(value) == "" {
		value = "-"
	}
	pdf.SetFont(family, "B", 10)
	pdf.SetTextColor(30, 30, 30)
	pdf.CellFormat(30, 5.2, key+":", "", 0, "L", false, 0, "")
	pdf.SetFont(family, "", 10)
	pdf.SetTextColor(20, 20, 20)
	pdf.MultiCell(0, 5.2, safeText(value, utf8OK), "", "L", false)
}

// safeText flattens whitespace and, without a UTF-8 font, replaces
// anything outside printable ASCII with '?'.
func safeText(s string, utf8OK bool) string {
	s = strings.NewReplacer("\r", " ", "\n", " ", "\t", " ").Replace(s)
	s = strings.TrimSpace(s)
	if utf8OK {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r <= 126 {
			b.WriteRune(r)
		} else {
			b.WriteRune('?')
		}
	}
	return b.String()
}

// initUnicodeFont registers the first loadable TrueType font, starting with
// the configured path, then common CJK-capable system fonts.
func initUnicodeFont(pdf *gofpdf.Fpdf, configured string) (family string, utf8OK bool) {
	const familyName = "unicode"
	candidates := []string{configured}

	switch runtime.GOOS {
	case "darwin":
		candidates = append(candidates,
			"/System/Library/Fonts/Supplemental/Arial Unicode.ttf",
			"/Library/Fonts/Arial Unicode.ttf",
		)
	case "windows":
		candidates = append(candidates,
			`C:\Windows\Fonts\arialuni.ttf`,
			`C:\Windows\Fonts\meiryo.ttc`,
		)
	default:
		candidates = append(candidates,
			"/usr/share/fonts/truetype/fonts-japanese-gothic.ttf",
			"/usr/share/fonts/truetype/takao-gothic/TakaoPGothic.ttf",
			"/usr/share/fonts/truetype/ipafont-gothic/ipagp.ttf",
		)
	}

	for _, p := range candidates {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		pdf.AddUTF8Font(familyName, "", p)
		if pdf.Err() {
			pdf.ClearError()
			continue
		}
		// Register bold from the same file so SetFont(..., "B", ...) works.
		pdf.AddUTF8Font(familyName, "B", p)
		if pdf.Err() {
			pdf.ClearError()
		}
		return familyName, true
	}
	return "Helvetica", false
}
