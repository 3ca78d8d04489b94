package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/dnamesh/dnamessenger/crypto"
	"github.com/dnamesh/dnamessenger/errs"
)

// ContactRecord is one row of the contacts table: the persisted half of
// contact.Contact's watermarks and metadata, surviving process restart.
type ContactRecord struct {
	FP          crypto.Fingerprint
	Nickname    string
	DisplayName string
	LastSeen    time.Time
	LastAckRecv uint64
	LastAckSent uint64
	DMLastSync  time.Time
	Blocked     bool
}

// UpsertContact writes or replaces the persisted record for fp.
func (s *Store) UpsertContact(c *ContactRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO contacts (fp, nickname, display_name, last_seen, last_ack_recv, last_ack_sent, dm_last_sync, blocked)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(fp) DO UPDATE SET
		   nickname = excluded.nickname, display_name = excluded.display_name,
		   last_seen = excluded.last_seen, last_ack_recv = excluded.last_ack_recv,
		   last_ack_sent = excluded.last_ack_sent, dm_last_sync = excluded.dm_last_sync,
		   blocked = excluded.blocked`,
		string(c.FP), c.Nickname, c.DisplayName, unixMilli(c.LastSeen),
		c.LastAckRecv, c.LastAckSent, unixMilli(c.DMLastSync), boolToInt(c.Blocked),
	)
	if err != nil {
		return errs.Wrap(errs.StoreBusy, err)
	}
	return nil
}

// GetContact fetches the persisted record for fp.
func (s *Store) GetContact(fp crypto.Fingerprint) (*ContactRecord, error) {
	row := s.db.QueryRow(
		`SELECT fp, nickname, display_name, last_seen, last_ack_recv, last_ack_sent, dm_last_sync, blocked
		 FROM contacts WHERE fp = ?`, string(fp))
	return scanContact(row)
}

// ListContacts returns every persisted contact record.
func (s *Store) ListContacts() ([]*ContactRecord, error) {
	rows, err := s.db.Query(
		`SELECT fp, nickname, display_name, last_seen, last_ack_recv, last_ack_sent, dm_last_sync, blocked FROM contacts`)
	if err != nil {
		return nil, errs.Wrap(errs.StoreBusy, err)
	}
	defer rows.Close()

	var out []*ContactRecord
	for rows.Next() {
		c, err := scanContactRow(rows)
		if err != nil {
			return nil, errs.Wrap(errs.StoreBusy, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteContact removes fp's persisted record.
func (s *Store) DeleteContact(fp crypto.Fingerprint) error {
	_, err := s.db.Exec(`DELETE FROM contacts WHERE fp = ?`, string(fp))
	if err != nil {
		return errs.Wrap(errs.StoreBusy, err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanContact(row *sql.Row) (*ContactRecord, error) {
	c, err := scanContactRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.IdentityNotFound, "contact not found")
	}
	if err != nil {
		return nil, errs.Wrap(errs.StoreBusy, err)
	}
	return c, nil
}

func scanContactRow(row scannable) (*ContactRecord, error) {
	var (
		c        ContactRecord
		fp       string
		lastSeen int64
		dmSync   int64
		blocked  int
	)
	err := row.Scan(&fp, &c.Nickname, &c.DisplayName, &lastSeen, &c.LastAckRecv, &c.LastAckSent, &dmSync, &blocked)
	if err != nil {
		return nil, err
	}
	c.FP = crypto.Fingerprint(fp)
	c.LastSeen = fromUnixMilli(lastSeen)
	c.DMLastSync = fromUnixMilli(dmSync)
	c.Blocked = blocked != 0
	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
