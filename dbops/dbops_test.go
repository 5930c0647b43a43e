package dbops

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asyncrt/asyncrt"
)

// fakeDriver is a minimal database/sql driver, in the spirit of the
// standard library's own fakedb_test.go, whose Query/Exec behavior is
// supplied per-test via closures rather than parsing real SQL.
type fakeDriver struct {
	mu      sync.Mutex
	queryFn func(query string, args []driver.Value) (driver.Rows, error)
	execFn  func(query string, args []driver.Value) (driver.Result, error)
}

func (d *fakeDriver) Open(name string) (driver.Conn, error) {
	return &fakeConn{d: d}, nil
}

type fakeConn struct{ d *fakeDriver }

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return &fakeStmt{conn: c, query: query}, nil
}
func (c *fakeConn) Close() error              { return nil }
func (c *fakeConn) Begin() (driver.Tx, error) { return fakeTx{}, nil }

func (c *fakeConn) Query(query string, args []driver.Value) (driver.Rows, error) {
	c.d.mu.Lock()
	fn := c.d.queryFn
	c.d.mu.Unlock()
	if fn == nil {
		return nil, errors.New("fakeDriver: no queryFn set")
	}
	return fn(query, args)
}

func (c *fakeConn) Exec(query string, args []driver.Value) (driver.Result, error) {
	c.d.mu.Lock()
	fn := c.d.execFn
	c.d.mu.Unlock()
	if fn == nil {
		return nil, errors.New("fakeDriver: no execFn set")
	}
	return fn(query, args)
}

type fakeStmt struct {
	conn  *fakeConn
	query string
}

func (s *fakeStmt) Close() error  { return nil }
func (s *fakeStmt) NumInput() int { return -1 }
func (s *fakeStmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.conn.Exec(s.query, args)
}
func (s *fakeStmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.conn.Query(s.query, args)
}

type fakeTx struct{}

func (fakeTx) Commit() error   { return nil }
func (fakeTx) Rollback() error { return nil }

type fakeRows struct {
	cols []string
	data [][]driver.Value
	pos  int
}

func (r *fakeRows) Columns() []string { return r.cols }
func (r *fakeRows) Close() error      { return nil }
func (r *fakeRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.data) {
		return io.EOF
	}
	copy(dest, r.data[r.pos])
	r.pos++
	return nil
}

type fakeResult struct{ rowsAffected int64 }

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

var fakeDriverSeq atomic.Uint64

// registerFakeDB registers a uniquely-named fake driver and opens a *sql.DB
// against it — database/sql.Register panics on a duplicate name, so each
// test gets its own driver name.
func registerFakeDB(t *testing.T, d *fakeDriver) *sql.DB {
	t.Helper()
	name := fmt.Sprintf("dbops-fake-%d", fakeDriverSeq.Add(1))
	sql.Register(name, d)
	db, err := sql.Open(name, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestLoop(t *testing.T) (*asyncrt.Loop, func()) {
	t.Helper()
	loop, err := asyncrt.New()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	return loop, func() {
		cancel()
		_ = loop.Shutdown(context.Background())
		<-done
	}
}

func TestQueue_QueryDecodesRows(t *testing.T) {
	loop, stop := newTestLoop(t)
	defer stop()

	d := &fakeDriver{
		queryFn: func(query string, args []driver.Value) (driver.Rows, error) {
			return &fakeRows{
				cols: []string{"id", "name"},
				data: [][]driver.Value{
					{int64(1), "alice"},
					{int64(2), "bob"},
				},
			}, nil
		},
	}
	db := registerFakeDB(t, d)

	q := New(loop, db, 2)
	builder := sq.Select("id", "name").From("users")

	promise := q.Query(context.Background(), builder)
	result := <-promise.ToChannel()

	rows, ok := result.([]Row)
	require.True(t, ok, "expected []Row, got %T (%v)", result, result)
	require.Len(t, rows, 2)
	assert.Equal(t, "alice", rows[0]["name"])
	assert.Equal(t, "bob", rows[1]["name"])
}

func TestQueue_QueryTranslatesDriverError(t *testing.T) {
	loop, stop := newTestLoop(t)
	defer stop()

	wantErr := errors.New("connection refused")
	d := &fakeDriver{
		queryFn: func(query string, args []driver.Value) (driver.Rows, error) {
			return nil, wantErr
		},
	}
	db := registerFakeDB(t, d)

	q := New(loop, db, 0)
	builder := sq.Select("id").From("users")

	promise := q.Query(context.Background(), builder)
	<-promise.ToChannel()

	require.Equal(t, asyncrt.Rejected, promise.State())
	dbErr, ok := promise.Result().(*asyncrt.DatabaseError)
	require.True(t, ok, "expected DatabaseError, got %v", promise.Result())
	assert.ErrorIs(t, dbErr.Cause, wantErr)
}

func TestQueue_ExecReturnsRowsAffected(t *testing.T) {
	loop, stop := newTestLoop(t)
	defer stop()

	d := &fakeDriver{
		execFn: func(query string, args []driver.Value) (driver.Result, error) {
			return fakeResult{rowsAffected: 3}, nil
		},
	}
	db := registerFakeDB(t, d)

	q := New(loop, db, 0)
	builder := sq.Update("users").Set("active", true).Where(sq.Eq{"id": 1})

	promise := q.Exec(context.Background(), builder)
	result := <-promise.ToChannel()

	affected, ok := result.(int64)
	require.True(t, ok, "expected int64, got %T (%v)", result, result)
	assert.Equal(t, int64(3), affected)
}

func TestQueue_TransactionCommitsOnSuccess(t *testing.T) {
	loop, stop := newTestLoop(t)
	defer stop()

	d := &fakeDriver{
		execFn: func(query string, args []driver.Value) (driver.Result, error) {
			return fakeResult{rowsAffected: 1}, nil
		},
	}
	db := registerFakeDB(t, d)

	q := New(loop, db, 0)
	promise := q.Transaction(context.Background(), func(ctx context.Context, tx *sql.Tx) (any, error) {
		res, err := tx.ExecContext(ctx, "update users set active = ?", true)
		if err != nil {
			return nil, err
		}
		return res.RowsAffected()
	})

	result := <-promise.ToChannel()
	affected, ok := result.(int64)
	require.True(t, ok, "expected int64, got %T (%v)", result, result)
	assert.Equal(t, int64(1), affected)
}

func TestQueue_TransactionRollsBackOnError(t *testing.T) {
	loop, stop := newTestLoop(t)
	defer stop()

	d := &fakeDriver{}
	db := registerFakeDB(t, d)

	q := New(loop, db, 0)
	wantErr := errors.New("application-level failure")
	promise := q.Transaction(context.Background(), func(ctx context.Context, tx *sql.Tx) (any, error) {
		return nil, wantErr
	})

	<-promise.ToChannel()
	require.Equal(t, asyncrt.Rejected, promise.State())
	dbErr, ok := promise.Result().(*asyncrt.DatabaseError)
	require.True(t, ok, "expected DatabaseError, got %v", promise.Result())
	assert.ErrorIs(t, dbErr.Cause, wantErr)
}

func TestQueue_BoundedInFlight(t *testing.T) {
	loop, stop := newTestLoop(t)
	defer stop()

	var inFlight, maxInFlight atomic.Int32
	release := make(chan struct{})

	d := &fakeDriver{
		queryFn: func(query string, args []driver.Value) (driver.Rows, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				old := maxInFlight.Load()
				if n <= old || maxInFlight.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			return &fakeRows{cols: []string{"id"}, data: [][]driver.Value{{int64(1)}}}, nil
		},
	}
	db := registerFakeDB(t, d)
	db.SetMaxOpenConns(10)

	q := New(loop, db, 2)
	builder := sq.Select("id").From("users")

	var promises []asyncrt.Promise
	for i := 0; i < 5; i++ {
		promises = append(promises, q.Query(context.Background(), builder))
	}

	time.Sleep(100 * time.Millisecond)
	close(release)

	for _, p := range promises {
		<-p.ToChannel()
	}

	assert.LessOrEqual(t, maxInFlight.Load(), int32(2), "expected at most 2 concurrent queries")
}
