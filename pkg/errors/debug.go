package errors

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// ErrorDump flattens an error chain plus any driver detail for structured logs.
type ErrorDump struct {
	TopMessage string   `json:"top_message"`
	Code       Code     `json:"code,omitempty"`
	Chain      []string `json:"chain,omitempty"`

	SQLDriver     string `json:"sql_driver,omitempty"`
	SQLCode       string `json:"sql_code,omitempty"`
	SQLConstraint string `json:"sql_constraint,omitempty"`
	SQLTable      string `json:"sql_table,omitempty"`
	SQLDetail     string `json:"sql_detail,omitempty"`
	SQLMessage    string `json:"sql_message,omitempty"`
}

// Dump walks err and records the first driver error found in the chain.
func Dump(err error) ErrorDump {
	if err == nil {
		return ErrorDump{}
	}
	d := ErrorDump{TopMessage: err.Error()}
	if te := As(err); te != nil {
		d.Code = te.Code()
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		d.Chain = append(d.Chain, fmt.Sprintf("%T: %v", e, e))
	}
	d.fillSQL(err)
	return d
}

func (d *ErrorDump) fillSQL(err error) {
	var pgxErr *pgconn.PgError
	var pqErr *pq.Error
	var myErr *mysql.MySQLError
	var liteErr sqlite3.Error

	switch {
	case errors.As(err, &pgxErr):
		d.SQLDriver = "pgx"
		d.SQLCode, d.SQLMessage = pgxErr.Code, pgxErr.Message
		d.SQLConstraint, d.SQLTable, d.SQLDetail = pgxErr.ConstraintName, pgxErr.TableName, pgxErr.Detail
	case errors.As(err, &pqErr):
		d.SQLDriver = "pq"
		d.SQLCode, d.SQLMessage = string(pqErr.Code), pqErr.Message
		d.SQLConstraint, d.SQLTable, d.SQLDetail = pqErr.Constraint, pqErr.Table, pqErr.Detail
	case errors.As(err, &myErr):
		d.SQLDriver = "mysql"
		d.SQLCode, d.SQLMessage = strconv.Itoa(int(myErr.Number)), myErr.Message
	case errors.As(err, &liteErr):
		d.SQLDriver = "sqlite"
		d.SQLCode, d.SQLMessage = strconv.Itoa(int(liteErr.ExtendedCode)), liteErr.Error()
	}
}

// Fields returns the non-empty parts of the dump keyed for log output.
func (d ErrorDump) Fields() map[string]any {
	fields := map[string]any{"error": d.TopMessage}
	add := func(key, value string) {
		if value != "" {
			fields[key] = value
		}
	}
	add("error_code", string(d.Code))
	add("sql_driver", d.SQLDriver)
	add("sql_code", d.SQLCode)
	add("sql_constraint", d.SQLConstraint)
	add("sql_table", d.SQLTable)
	add("sql_detail", d.SQLDetail)
	add("sql_message", d.SQLMessage)
	if len(d.Chain) > 1 {
		fields["error_chain"] = d.Chain
	}
	return fields
}
