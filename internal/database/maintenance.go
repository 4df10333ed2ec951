package database

import (
	"context"
	"fmt"
	"time"
)

// CountByStatus returns the number of records in each status. Statuses with
// no records are present with a zero count.
func (db *DB) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	counts := make(map[Status]int64, len(Statuses))
	for _, s := range Statuses {
		counts[s] = 0
	}

	rows, err := db.Pool.Query(ctx, `SELECT status, count(*) FROM transcriptions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s Status
		var n int64
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, rows.Err()
}

// FailStale marks records stuck in pending or processing for longer than
// olderThan as failed with the given transcript. With apply false it only
// counts them.
func (db *DB) FailStale(ctx context.Context, olderThan time.Duration, transcript string, apply bool) (int64, error) {
	if !apply {
		var n int64
		err := db.Pool.QueryRow(ctx, `
			SELECT count(*) FROM transcriptions
			WHERE status IN ('pending', 'processing')
			  AND updated_at < now() - make_interval(secs => $1)
		`, olderThan.Seconds()).Scan(&n)
		return n, err
	}

	tag, err := db.Pool.Exec(ctx, `
		UPDATE transcriptions
		SET status = 'failed', transcript = $2, updated_at = now()
		WHERE status IN ('pending', 'processing')
		  AND updated_at < now() - make_interval(secs => $1)
	`, olderThan.Seconds(), transcript)
	if err != nil {
		return 0, fmt.Errorf("fail stale: %w", err)
	}
	return tag.RowsAffected(), nil
}
