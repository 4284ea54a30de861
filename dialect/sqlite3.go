package dialect

import (
	"errors"
	"strings"

	sqlite3driver "github.com/mattn/go-sqlite3"
)

// SQLite dialect implementation
type sqlite3 struct{}

func init() {
	Register("sqlite3", &sqlite3{})
}

func (d *sqlite3) Name() string { return "sqlite3" }

func (d *sqlite3) Quote(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (d *sqlite3) Placeholder(int) string {
	return "?"
}

func (d *sqlite3) Limit(length, offset int) string {
	return commaLimit(length, offset)
}

func (d *sqlite3) Escape(s string) string {
	return quoteDoubler.Replace(s)
}

func (d *sqlite3) Classify(err error) ErrorClass {
	var se sqlite3driver.Error
	if !errors.As(err, &se) {
		return ClassUnknown
	}
	switch se.ExtendedCode {
	case sqlite3driver.ErrConstraintUnique, sqlite3driver.ErrConstraintPrimaryKey:
		return ClassDuplicateKey
	case sqlite3driver.ErrConstraintForeignKey:
		return ClassForeignKey
	}
	return ClassUnknown
}
