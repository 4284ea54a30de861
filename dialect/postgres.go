package dialect

import (
	"errors"
	"strconv"

	"github.com/lib/pq"
)

// PostgreSQL dialect implementation
type postgres struct{}

func init() {
	Register("postgres", &postgres{})
}

func (d *postgres) Name() string { return "postgres" }

func (d *postgres) Quote(name string) string {
	return pq.QuoteIdentifier(name)
}

func (d *postgres) Placeholder(index int) string {
	return "$" + strconv.Itoa(index)
}

func (d *postgres) Limit(length, offset int) string {
	s := "LIMIT " + strconv.Itoa(length)
	if offset >= 0 {
		s += " OFFSET " + strconv.Itoa(offset)
	}
	return s
}

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

func (d *postgres) Escape(s string) string {
	return quoteDoubler.Replace(s)
}

func (d *postgres) Classify(err error) ErrorClass {
	var pe *pq.Error
	if !errors.As(err, &pe) {
		return ClassUnknown
	}
	switch string(pe.Code) {
	case pqUniqueViolation:
		return ClassDuplicateKey
	case pqForeignKeyViolation:
		return ClassForeignKey
	}
	return ClassUnknown
}
