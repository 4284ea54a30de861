package dialect

import (
	"errors"
	"strings"

	mysqldriver "github.com/go-sql-driver/mysql"
)

// MySQL dialect implementation
type mysql struct{}

func init() {
	Register("mysql", &mysql{})
}

func (d *mysql) Name() string { return "mysql" }

func (d *mysql) Quote(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (d *mysql) Placeholder(int) string {
	return "?"
}

func (d *mysql) Limit(length, offset int) string {
	return commaLimit(length, offset)
}

var mysqlEscaper = strings.NewReplacer(
	"\\", "\\\\",
	"'", "\\'",
	"\"", "\\\"",
	"\x00", "\\0",
	"\n", "\\n",
	"\r", "\\r",
	"\x1a", "\\Z",
)

func (d *mysql) Escape(s string) string {
	return mysqlEscaper.Replace(s)
}

// Server error numbers, see https://dev.mysql.com/doc/mysql-errors/8.0/en/server-error-reference.html
const (
	erDupEntry         = 1062
	erNoReferencedRow  = 1216
	erRowIsReferenced  = 1217
	erRowIsReferenced2 = 1451
	erNoReferencedRow2 = 1452
)

func (d *mysql) Classify(err error) ErrorClass {
	var me *mysqldriver.MySQLError
	if !errors.As(err, &me) {
		return ClassUnknown
	}
	switch me.Number {
	case erDupEntry:
		return ClassDuplicateKey
	case erNoReferencedRow, erRowIsReferenced, erRowIsReferenced2, erNoReferencedRow2:
		return ClassForeignKey
	}
	return ClassUnknown
}
