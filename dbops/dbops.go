// Package dbops implements the Database Operation Queue (C7): a serialized
// queue of SQL statements run against a single *sql.DB, bounded to at most
// N in-flight statements per tick and bridged into promises the same way
// fileops and httpengine bridge their own blocking calls.
//
// Statements are assembled with github.com/Masterminds/squirrel's fluent
// builders rather than hand-formatted strings, matching the store package's
// own query style.
package dbops

import (
	"context"
	"database/sql"
	"errors"

	sq "github.com/Masterminds/squirrel"

	"github.com/asyncrt/asyncrt"
)

// Row is a single decoded result row, keyed by column name.
type Row map[string]any

// Queue serializes SQL execution against db through Loop.Promisify,
// admitting at most maxInFlight concurrent statements regardless of how
// many Query/Exec calls are enqueued in a single tick.
type Queue struct {
	loop *asyncrt.Loop
	db   *sql.DB
	sem  chan struct{}
}

// New creates a Queue bound to loop/db. maxInFlight <= 0 means unbounded
// (statements still serialize at the driver, but the queue itself applies
// no extra admission limit).
func New(loop *asyncrt.Loop, db *sql.DB, maxInFlight int) *Queue {
	q := &Queue{loop: loop, db: db}
	if maxInFlight > 0 {
		q.sem = make(chan struct{}, maxInFlight)
	}
	return q
}

func (q *Queue) acquire(ctx context.Context) error {
	if q.sem == nil {
		return nil
	}
	select {
	case q.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) release() {
	if q.sem != nil {
		<-q.sem
	}
}

// Query runs builder and resolves with the decoded []Row, or rejects with
// [asyncrt.DatabaseError].
func (q *Queue) Query(ctx context.Context, builder sq.SelectBuilder) asyncrt.Promise {
	query, args, buildErr := builder.ToSql()
	return q.loop.Promisify(ctx, func(ctx context.Context) (any, error) {
		if buildErr != nil {
			return nil, &asyncrt.DatabaseError{Cause: buildErr, Query: query, Message: "failed to build query"}
		}
		if err := q.acquire(ctx); err != nil {
			return nil, &asyncrt.DatabaseError{Cause: err, Query: query, Message: "query canceled before a queue slot was available"}
		}
		defer q.release()

		rows, err := q.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, &asyncrt.DatabaseError{Cause: err, Query: query, Message: "query failed"}
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			return nil, &asyncrt.DatabaseError{Cause: err, Query: query, Message: "failed to read result columns"}
		}

		var results []Row
		for rows.Next() {
			vals := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return nil, &asyncrt.DatabaseError{Cause: err, Query: query, Message: "failed to scan row"}
			}
			row := make(Row, len(cols))
			for i, c := range cols {
				row[c] = vals[i]
			}
			results = append(results, row)
		}
		if err := rows.Err(); err != nil {
			return nil, &asyncrt.DatabaseError{Cause: err, Query: query, Message: "error iterating result set"}
		}
		return results, nil
	})
}

// Exec runs builder (an Insert/Update/Delete) and resolves with the number
// of rows affected, or rejects with [asyncrt.DatabaseError].
func (q *Queue) Exec(ctx context.Context, builder sq.Sqlizer) asyncrt.Promise {
	query, args, buildErr := builder.ToSql()
	return q.loop.Promisify(ctx, func(ctx context.Context) (any, error) {
		if buildErr != nil {
			return nil, &asyncrt.DatabaseError{Cause: buildErr, Query: query, Message: "failed to build statement"}
		}
		if err := q.acquire(ctx); err != nil {
			return nil, &asyncrt.DatabaseError{Cause: err, Query: query, Message: "statement canceled before a queue slot was available"}
		}
		defer q.release()

		res, err := q.db.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, &asyncrt.DatabaseError{Cause: err, Query: query, Message: "statement failed"}
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, &asyncrt.DatabaseError{Cause: err, Query: query, Message: "failed to read rows affected"}
		}
		return affected, nil
	})
}

// Transaction runs fn inside a *sql.Tx opened on db, committing if fn
// returns nil and rolling back otherwise. It resolves with fn's return
// value, or rejects with [asyncrt.DatabaseError].
func (q *Queue) Transaction(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) (any, error)) asyncrt.Promise {
	return q.loop.Promisify(ctx, func(ctx context.Context) (any, error) {
		if err := q.acquire(ctx); err != nil {
			return nil, &asyncrt.DatabaseError{Cause: err, Message: "transaction canceled before a queue slot was available"}
		}
		defer q.release()

		tx, err := q.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, &asyncrt.DatabaseError{Cause: err, Message: "failed to begin transaction"}
		}

		result, fnErr := fn(ctx, tx)
		if fnErr != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				return nil, &asyncrt.DatabaseError{Cause: errors.Join(fnErr, rbErr), Message: "transaction failed and rollback also failed"}
			}
			return nil, &asyncrt.DatabaseError{Cause: fnErr, Message: "transaction rolled back"}
		}
		if err := tx.Commit(); err != nil {
			return nil, &asyncrt.DatabaseError{Cause: err, Message: "failed to commit transaction"}
		}
		return result, nil
	})
}
