package postgres_test

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// rowsStub implements pgx.Rows over a scripted list of scan funcs; Next
// reports work until the script is exhausted.
type rowsStub struct {
	scans []func(dest ...any) error
	idx   int
	err   error
}

func (r *rowsStub) Next() bool { return r.idx < len(r.scans) }
func (r *rowsStub) Scan(dest ...any) error {
	s := r.scans[r.idx]
	r.idx++
	return s(dest...)
}
func (r *rowsStub) Close()                                       {}
func (r *rowsStub) Err() error                                   { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Values() ([]any, error)                       { return nil, nil }
func (r *rowsStub) RawValues() [][]byte                          { return nil }
func (r *rowsStub) Conn() *pgx.Conn                              { return nil }

// poolStub implements postgres.PgxPool for tests. Behavior is scripted per
// method through function fields; the SQL text and args of every call are
// recorded so assertions can check statements and parameters. Defined in a
// shared helper so multiple *_test.go files can reuse it without redefs.
type poolStub struct {
	exec     func(sql string, args ...any) (pgconn.CommandTag, error)
	queryRow func(sql string, args ...any) pgx.Row
	query    func(sql string, args ...any) (pgx.Rows, error)

	execSQL     []string
	execArgs    [][]any
	queryRowSQL []string
	querySQL    []string
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.execSQL = append(p.execSQL, sql)
	p.execArgs = append(p.execArgs, args)
	if p.exec == nil {
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return p.exec(sql, args...)
}

func (p *poolStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	p.queryRowSQL = append(p.queryRowSQL, sql)
	if p.queryRow == nil {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	return p.queryRow(sql, args...)
}

func (p *poolStub) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.querySQL = append(p.querySQL, sql)
	if p.query == nil {
		return nil, errors.New("no query configured")
	}
	return p.query(sql, args...)
}

func (p *poolStub) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	return nil, errors.New("no tx configured")
}
