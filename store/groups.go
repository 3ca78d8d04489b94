package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/dnamesh/dnamessenger/crypto"
	"github.com/dnamesh/dnamessenger/errs"
	"github.com/dnamesh/dnamessenger/groupenc"
)

// GroupRecord is one row of the groups table.
type GroupRecord struct {
	UUID       string
	Name       string
	OwnerFP    crypto.Fingerprint
	GEKVersion uint32
	CreatedAt  time.Time
}

// UpsertGroup persists g's metadata and member set, replacing any
// previously recorded membership list with g.Members.
func (s *Store) UpsertGroup(g *groupenc.Group, now time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errs.Wrap(errs.StoreBusy, err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO groups (uuid, name, owner_fp, gek_version, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(uuid) DO UPDATE SET name = excluded.name, gek_version = excluded.gek_version`,
		g.UUID, g.Name, string(g.OwnerFingerprint), g.GEKVersion, g.CreatedAt,
	)
	if err != nil {
		return errs.Wrap(errs.StoreBusy, err)
	}

	if _, err := tx.Exec(`DELETE FROM group_members WHERE group_uuid = ?`, g.UUID); err != nil {
		return errs.Wrap(errs.StoreBusy, err)
	}
	for _, fp := range g.Members {
		if _, err := tx.Exec(
			`INSERT INTO group_members (group_uuid, fp, added_at) VALUES (?, ?, ?)`,
			g.UUID, string(fp), unixMilli(now),
		); err != nil {
			return errs.Wrap(errs.StoreBusy, err)
		}
	}
	return tx.Commit()
}

// GetGroup fetches a group's metadata and member set.
func (s *Store) GetGroup(groupUUID string) (*GroupRecord, []crypto.Fingerprint, error) {
	row := s.db.QueryRow(
		`SELECT uuid, name, owner_fp, gek_version, created_at FROM groups WHERE uuid = ?`, groupUUID)

	var (
		rec       GroupRecord
		ownerFP   string
		createdAt int64
	)
	err := row.Scan(&rec.UUID, &rec.Name, &ownerFP, &rec.GEKVersion, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, errs.New(errs.GroupNotFound, groupUUID)
	}
	if err != nil {
		return nil, nil, errs.Wrap(errs.StoreBusy, err)
	}
	rec.OwnerFP = crypto.Fingerprint(ownerFP)
	rec.CreatedAt = time.Unix(createdAt, 0)

	rows, err := s.db.Query(`SELECT fp FROM group_members WHERE group_uuid = ?`, groupUUID)
	if err != nil {
		return nil, nil, errs.Wrap(errs.StoreBusy, err)
	}
	defer rows.Close()

	var members []crypto.Fingerprint
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, nil, errs.Wrap(errs.StoreBusy, err)
		}
		members = append(members, crypto.Fingerprint(fp))
	}
	return &rec, members, rows.Err()
}

// CacheGEK persists gek for groupUUID so a restarted identity does not
// need to re-extract it from the DHT's IKP. Older GEK versions are kept
// (§4.7: "old GEKs are retained locally... never re-published"), never
// overwritten by a newer insert.
func (s *Store) CacheGEK(groupUUID string, gek *groupenc.GEK) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO gek_cache (group_uuid, version, gek_bytes) VALUES (?, ?, ?)`,
		groupUUID, gek.Version, gek.Key[:],
	)
	if err != nil {
		return errs.Wrap(errs.StoreBusy, err)
	}
	return nil
}

// LoadGEK retrieves a previously cached GEK, or errs.GroupNotFound if
// this version was never cached locally.
func (s *Store) LoadGEK(groupUUID string, version uint32) (*groupenc.GEK, error) {
	var keyBytes []byte
	err := s.db.QueryRow(
		`SELECT gek_bytes FROM gek_cache WHERE group_uuid = ? AND version = ?`, groupUUID, version,
	).Scan(&keyBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.GroupNotFound, "gek version not cached locally")
	}
	if err != nil {
		return nil, errs.Wrap(errs.StoreBusy, err)
	}
	if len(keyBytes) != groupenc.GEKSize {
		return nil, errs.New(errs.MalformedRecord, "cached gek has the wrong size")
	}
	gek := &groupenc.GEK{Version: version}
	copy(gek.Key[:], keyBytes)
	return gek, nil
}

// LoadKeyRing rebuilds a groupenc.KeyRing from every GEK version cached
// for groupUUID, for handing to a Manager after process restart.
func (s *Store) LoadKeyRing(groupUUID string) (*groupenc.KeyRing, error) {
	rows, err := s.db.Query(`SELECT version, gek_bytes FROM gek_cache WHERE group_uuid = ? ORDER BY version ASC`, groupUUID)
	if err != nil {
		return nil, errs.Wrap(errs.StoreBusy, err)
	}
	defer rows.Close()

	ring := groupenc.NewKeyRing()
	for rows.Next() {
		var version uint32
		var keyBytes []byte
		if err := rows.Scan(&version, &keyBytes); err != nil {
			return nil, errs.Wrap(errs.StoreBusy, err)
		}
		if len(keyBytes) != groupenc.GEKSize {
			continue
		}
		gek := &groupenc.GEK{Version: version}
		copy(gek.Key[:], keyBytes)
		ring.Add(gek)
	}
	return ring, rows.Err()
}
