package credentials

import (
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// ErrEmptyPool is returned when no usable credential was supplied.
var ErrEmptyPool = errors.New("credential pool is empty")

// Pool holds interchangeable API keys. It is read-only after construction.
type Pool struct {
	creds []string

	mu  sync.Mutex
	rnd *rand.Rand
}

// New builds a pool from the given keys, dropping blanks.
func New(creds []string) (*Pool, error) {
	return NewWithSource(creds, rand.NewSource(time.Now().UnixNano()))
}

// NewWithSource is New with an explicit random source.
func NewWithSource(creds []string, src rand.Source) (*Pool, error) {
	clean := make([]string, 0, len(creds))
	for _, c := range creds {
		// Keys pasted from consoles often carry stray whitespace or newlines.
		c = strings.Join(strings.Fields(c), "")
		if c != "" {
			clean = append(clean, c)
		}
	}
	if len(clean) == 0 {
		return nil, ErrEmptyPool
	}
	return &Pool{creds: clean, rnd: rand.New(src)}, nil
}

// Size returns the number of credentials.
func (p *Pool) Size() int {
	return len(p.creds)
}

// Cursor is one logical item's view of the pool: a random start that
// retries shift deterministically.
type Cursor struct {
	pool  *Pool
	start int
}

// Cursor draws a fresh random starting point.
func (p *Pool) Cursor() Cursor {
	p.mu.Lock()
	start := p.rnd.Intn(len(p.creds))
	p.mu.Unlock()
	return Cursor{pool: p, start: start}
}

// Select returns creds[(start + attempt) mod n].
func (c Cursor) Select(attempt int) string {
	n := len(c.pool.creds)
	idx := (c.start + attempt) % n
	if idx < 0 {
		idx += n
	}
	return c.pool.creds[idx]
}

// Index is the pool position Select(attempt) would use.
func (c Cursor) Index(attempt int) int {
	n := len(c.pool.creds)
	return ((c.start+attempt)%n + n) % n
}

// Select picks with a fresh random start on every call.
func (p *Pool) Select(attempt int) string {
	return p.Cursor().Select(attempt)
}

// All returns a copy of the credentials.
func (p *Pool) All() []string {
	out := make([]string, len(p.creds))
	copy(out, p.creds)
	return out
}
