package targets

import (
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFLoader pulls shop URLs out of the text layer of a PDF, such as a
// partner list exported from a spreadsheet. Anything that is not an
// http(s) URL is ignored.
type PDFLoader struct{}

func (l *PDFLoader) Load(r io.Reader) ([]string, error) {
	// ledongthuc/pdf needs an io.ReaderAt and the size.
	var readerAt io.ReaderAt
	var size int64

	switch v := r.(type) {
	case *os.File:
		stat, err := v.Stat()
		if err != nil {
			return nil, err
		}
		readerAt = v
		size = stat.Size()
	case *bytes.Reader:
		readerAt = v
		size = int64(v.Len())
	default:
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		readerAt = bytes.NewReader(data)
		size = int64(len(data))
	}

	doc, err := pdf.NewReader(readerAt, size)
	if err != nil {
		return nil, err
	}

	var out []string
	for i := 1; i <= doc.NumPage(); i++ {
		page := doc.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		out = append(out, urlsIn(text)...)
	}
	return out, nil
}

// urlsIn splits text into http(s) URLs. Text runs extracted from a PDF are
// not always separated, so each scheme starts a new token.
func urlsIn(text string) []string {
	text = strings.ReplaceAll(text, "https://", " https://")
	text = strings.ReplaceAll(text, "http://", " http://")
	var out []string
	for _, tok := range strings.Fields(text) {
		if strings.HasPrefix(tok, "https://") || strings.HasPrefix(tok, "http://") {
			out = append(out, strings.TrimRight(tok, ".,;)"))
		}
	}
	return out
}
