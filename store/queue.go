package store

import (
	"database/sql"
	"errors"
	"math/rand"
	"time"

	"github.com/dnamesh/dnamessenger/errs"
)

const (
	retryBaseDelay = 5 * time.Second
	retryCapDelay  = 15 * time.Minute
)

// backoffDelay returns the delay before retry attempt n (1-indexed):
// base * 2^(n-1), capped, with up to ±50% jitter so a burst of failures
// doesn't re-collide on the same retry tick.
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := retryBaseDelay
	for i := 1; i < attempt && delay < retryCapDelay; i++ {
		delay *= 2
	}
	if delay > retryCapDelay {
		delay = retryCapDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	if rand.Intn(2) == 0 {
		return delay + jitter
	}
	return delay - jitter
}

// QueueEntry is one row of the retry queue.
type QueueEntry struct {
	MsgID       string
	NextRetryAt time.Time
	Attempts    int
}

// DueEntries returns every queue entry whose next_retry_at has passed,
// ready for the engine's retry worker to attempt again.
func (s *Store) DueEntries(now time.Time) ([]*QueueEntry, error) {
	rows, err := s.db.Query(
		`SELECT msg_id, next_retry_at, attempts FROM queue WHERE next_retry_at <= ? ORDER BY next_retry_at ASC`,
		unixMilli(now),
	)
	if err != nil {
		return nil, errs.Wrap(errs.StoreBusy, err)
	}
	defer rows.Close()

	var out []*QueueEntry
	for rows.Next() {
		var e QueueEntry
		var ts int64
		if err := rows.Scan(&e.MsgID, &ts, &e.Attempts); err != nil {
			return nil, errs.Wrap(errs.StoreBusy, err)
		}
		e.NextRetryAt = fromUnixMilli(ts)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// RecordFailure increments msgID's attempt count and either reschedules
// it at the next backoff interval or, past MaxRetry, marks the message
// failed and removes it from the queue (§4.8's MAX_RETRY invariant).
func (s *Store) RecordFailure(msgID string, now time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errs.Wrap(errs.StoreBusy, err)
	}
	defer tx.Rollback()

	var attempts int
	err = tx.QueryRow(`SELECT attempts FROM queue WHERE msg_id = ?`, msgID).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.New(errs.MessageNotFound, msgID)
	}
	if err != nil {
		return errs.Wrap(errs.StoreBusy, err)
	}
	attempts++

	if _, err := tx.Exec(`UPDATE messages SET retry_count = ? WHERE msg_id = ?`, attempts, msgID); err != nil {
		return errs.Wrap(errs.StoreBusy, err)
	}

	if attempts > MaxRetry {
		if _, err := tx.Exec(`UPDATE messages SET state = ? WHERE msg_id = ?`, StateFailed, msgID); err != nil {
			return errs.Wrap(errs.StoreBusy, err)
		}
		if _, err := tx.Exec(`DELETE FROM queue WHERE msg_id = ?`, msgID); err != nil {
			return errs.Wrap(errs.StoreBusy, err)
		}
		return tx.Commit()
	}

	next := now.Add(backoffDelay(attempts))
	if _, err := tx.Exec(`UPDATE queue SET attempts = ?, next_retry_at = ? WHERE msg_id = ?`, attempts, unixMilli(next), msgID); err != nil {
		return errs.Wrap(errs.StoreBusy, err)
	}
	return tx.Commit()
}

// RecordSuccess removes msgID from the retry queue once it has been
// accepted by the DHT; the message's own state moves sending -> sent via
// Transition, called separately by the caller.
func (s *Store) RecordSuccess(msgID string) error {
	_, err := s.db.Exec(`DELETE FROM queue WHERE msg_id = ?`, msgID)
	if err != nil {
		return errs.Wrap(errs.StoreBusy, err)
	}
	return nil
}

// RetryNow resets msgID's backoff so it becomes due immediately,
// implementing the explicit user retry §4.8 requires once a message has
// moved to failed past MAX_RETRY.
func (s *Store) RetryNow(msgID string, now time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errs.Wrap(errs.StoreBusy, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE messages SET state = ?, retry_count = 0 WHERE msg_id = ?`, StateQueued, msgID); err != nil {
		return errs.Wrap(errs.StoreBusy, err)
	}
	_, err = tx.Exec(`INSERT INTO queue (msg_id, next_retry_at, attempts) VALUES (?, ?, 0)
	                   ON CONFLICT(msg_id) DO UPDATE SET next_retry_at = excluded.next_retry_at, attempts = 0`,
		msgID, unixMilli(now))
	if err != nil {
		return errs.Wrap(errs.StoreBusy, err)
	}
	return tx.Commit()
}
