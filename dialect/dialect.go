package dialect

import (
	"strconv"
	"strings"
	"sync"
)

// ErrorClass is the driver-independent category of a backend error.
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	ClassDuplicateKey
	ClassForeignKey
)

// Dialect represents the database-specific parts of SQL generation.
type Dialect interface {
	// Name returns the driver name the dialect is registered under
	Name() string
	// Quote wraps a name (table, column or alias) in database-specific quotes
	Quote(name string) string
	// Placeholder returns the bind marker for the 1-based index
	Placeholder(index int) string
	// Limit renders the LIMIT clause without a leading space. A negative offset means none.
	Limit(length, offset int) string
	// Classify maps a driver error to an ErrorClass
	Classify(err error) ErrorClass
	// Escape escapes s for use inside a single-quoted string literal
	Escape(s string) string
}

var (
	mu       sync.RWMutex
	dialects = make(map[string]Dialect)
)

// Register registers a new dialect for a given driver name
func Register(name string, d Dialect) {
	mu.Lock()
	defer mu.Unlock()
	dialects[name] = d
}

// Get retrieves a registered dialect by driver name
func Get(name string) (Dialect, bool) {
	mu.RLock()
	defer mu.RUnlock()
	d, ok := dialects[name]
	return d, ok
}

// ClassifyAny tries every registered dialect and returns the first class found.
func ClassifyAny(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	mu.RLock()
	defer mu.RUnlock()
	for _, d := range dialects {
		if c := d.Classify(err); c != ClassUnknown {
			return c
		}
	}
	return ClassUnknown
}

// Rebind rewrites each `?` outside quoted strings to the dialect placeholder.
func Rebind(d Dialect, query string) string {
	if d.Placeholder(1) == "?" {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	index := 1
	var quote byte
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
		case c == '?':
			sb.WriteString(d.Placeholder(index))
			index++
			continue
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

func commaLimit(length, offset int) string {
	if offset >= 0 {
		return "LIMIT " + strconv.Itoa(offset) + "," + strconv.Itoa(length)
	}
	return "LIMIT " + strconv.Itoa(length)
}

var quoteDoubler = strings.NewReplacer("'", "''")
