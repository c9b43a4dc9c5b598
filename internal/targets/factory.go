// Package targets reads fleet target lists from operator-supplied files.
package targets

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Loader reads raw target identifiers from a list file.
type Loader interface {
	Load(r io.Reader) ([]string, error)
}

// LoaderFor returns the Loader matching the file extension.
func LoaderFor(path string) (Loader, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".xlsx":
		return &XLSXLoader{}, nil
	case ".yaml", ".yml":
		return &YAMLLoader{}, nil
	case ".csv":
		return &CSVLoader{}, nil
	case ".pdf":
		return &PDFLoader{}, nil
	case ".xls", ".zip", ".gz":
		return nil, fmt.Errorf("unsupported target list extension: %s", ext)
	default:
		// .txt, .list and anything extensionless are one target per line.
		return &TextLoader{}, nil
	}
}

// Load reads path with the matching loader and returns the cleaned,
// de-duplicated target list in file order.
func Load(path string) ([]string, error) {
	loader, err := LoaderFor(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	raw, err := loader.Load(f)
	if err != nil {
		return nil, fmt.Errorf("load targets from %s: %w", path, err)
	}
	out := Clean(raw)
	if len(out) == 0 {
		return nil, fmt.Errorf("no targets found in %s", path)
	}
	return out, nil
}

// Clean trims entries, drops blanks and comments, and removes duplicates
// while preserving first-seen order.
func Clean(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		t = strings.TrimSpace(strings.TrimPrefix(t, "\ufeff"))
		if t == "" || strings.HasPrefix(t, "#") || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
