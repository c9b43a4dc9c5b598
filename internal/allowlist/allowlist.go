package allowlist

import (
	"bufio"
	"os"
	"strings"
	"sync"

	"github.com/digimosa/shop-patrol/internal/models"
)

// Allowlist holds items an operator has reviewed and cleared. Cleared items
// are reported as NONE without spending an oracle call.
type Allowlist struct {
	mu    sync.RWMutex
	items map[string]bool
	path  string
}

// New creates or loads an allowlist from the given path. An empty path
// keeps the list in memory only.
func New(path string) (*Allowlist, error) {
	a := &Allowlist{
		items: make(map[string]bool),
		path:  path,
	}
	if path == "" {
		return a, nil
	}
	if err := a.load(); err != nil {
		// A missing file just means nothing has been cleared yet.
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	return a, nil
}

// load reads the allowlist file line by line.
func (a *Allowlist) load() error {
	file, err := os.Open(a.path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			a.items[line] = true
		}
	}
	return scanner.Err()
}

// Contains checks if the value is allowlisted.
func (a *Allowlist) Contains(value string) bool {
	if a == nil {
		return false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.items[strings.TrimSpace(value)]
}

// Covers reports whether the product's item id or name was cleared.
func (a *Allowlist) Covers(p models.ProductRecord) bool {
	if p.SourceItemID != "" && a.Contains(p.SourceItemID) {
		return true
	}
	return p.Name != "" && a.Contains(p.Name)
}

// Len returns the number of entries.
func (a *Allowlist) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.items)
}

// Add adds a new value and appends it to the backing file.
func (a *Allowlist) Add(value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.items[value] {
		return nil
	}
	a.items[value] = true

	if a.path == "" {
		return nil
	}
	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteString(value + "\n")
	return err
}
