package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/dnamesh/dnamessenger/crypto"
	"github.com/dnamesh/dnamessenger/errs"
	"github.com/google/uuid"
)

// MessageState is one node of the delivery state DAG (§4.8):
// queued → sending → {sent, failed}; sent → delivered → read.
type MessageState string

const (
	StateQueued    MessageState = "queued"
	StateSending   MessageState = "sending"
	StateSent      MessageState = "sent"
	StateDelivered MessageState = "delivered"
	StateRead      MessageState = "read"
	StateFailed    MessageState = "failed"
)

// validTransitions encodes the state DAG; From -> allowed To set.
var validTransitions = map[MessageState]map[MessageState]bool{
	StateQueued:    {StateSending: true, StateFailed: true},
	StateSending:   {StateSent: true, StateFailed: true},
	StateSent:      {StateDelivered: true},
	StateDelivered: {StateRead: true},
}

// Direction distinguishes a message this identity sent from one it
// received.
type Direction string

const (
	DirectionOut Direction = "out"
	DirectionIn  Direction = "in"
)

// MaxRetry is the retry ceiling named in §4.8; beyond it a queued
// message moves to failed and requires an explicit user retry.
const MaxRetry = 8

// Message is one row of the messages table.
type Message struct {
	ID            string
	Direction     Direction
	PeerFP        crypto.Fingerprint
	SeqNum        uint64
	Plaintext     []byte
	CiphertextRef []byte
	Timestamp     time.Time
	State         MessageState
	RetryCount    int
}

// StoreInbound implements outbox.MessageSink: it is called once per
// plaintext the Spillway sweep recovers, keyed by (sender, seq_num) so a
// re-delivered envelope is a harmless duplicate insert.
func (s *Store) StoreInbound(senderFp crypto.Fingerprint, seqNum uint64, plaintext []byte, receivedAt time.Time) error {
	msg := &Message{
		ID:        uuid.NewString(),
		Direction: DirectionIn,
		PeerFP:    senderFp,
		SeqNum:    seqNum,
		Plaintext: plaintext,
		Timestamp: receivedAt,
		State:     StateDelivered,
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO messages (msg_id, direction, peer_fp, seq_num, plaintext, ciphertext_ref, timestamp, state, retry_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.Direction, string(msg.PeerFP), msg.SeqNum, msg.Plaintext, msg.CiphertextRef, unixMilli(msg.Timestamp), msg.State, 0,
	)
	if err != nil {
		return errs.Wrap(errs.StoreBusy, err)
	}
	return nil
}

// AllocateSeqNum returns the next outgoing seq_num for peerFP: one
// greater than the highest seq_num already recorded for an outbound
// message to that peer, or 1 if none exists. It is serialized by s.mu
// so two concurrent sends to the same peer never observe the same
// "next" value (§4.8's atomic allocation invariant).
func (s *Store) AllocateSeqNum(peerFP crypto.Fingerprint) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var max sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MAX(seq_num) FROM messages WHERE peer_fp = ? AND direction = ?`,
		string(peerFP), DirectionOut,
	).Scan(&max)
	if err != nil {
		return 0, errs.Wrap(errs.StoreBusy, err)
	}
	if !max.Valid {
		return 1, nil
	}
	return uint64(max.Int64) + 1, nil
}

// QueueOutbound records a new outbound message in state queued and adds
// it to the retry queue with an immediate first attempt.
func (s *Store) QueueOutbound(peerFP crypto.Fingerprint, seqNum uint64, plaintext, ciphertextRef []byte, now time.Time) (*Message, error) {
	msg := &Message{
		ID:            uuid.NewString(),
		Direction:     DirectionOut,
		PeerFP:        peerFP,
		SeqNum:        seqNum,
		Plaintext:     plaintext,
		CiphertextRef: ciphertextRef,
		Timestamp:     now,
		State:         StateQueued,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, errs.Wrap(errs.StoreBusy, err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO messages (msg_id, direction, peer_fp, seq_num, plaintext, ciphertext_ref, timestamp, state, retry_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		msg.ID, msg.Direction, string(msg.PeerFP), msg.SeqNum, msg.Plaintext, msg.CiphertextRef, unixMilli(msg.Timestamp), msg.State,
	)
	if err != nil {
		return nil, errs.Wrap(errs.StoreBusy, err)
	}
	_, err = tx.Exec(
		`INSERT INTO queue (msg_id, next_retry_at, attempts) VALUES (?, ?, 0)`,
		msg.ID, unixMilli(now),
	)
	if err != nil {
		return nil, errs.Wrap(errs.StoreBusy, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, errs.Wrap(errs.StoreBusy, err)
	}
	return msg, nil
}

// Transition moves msgID from its current state to next, rejecting any
// edge not present in the state DAG. retry_count is bumped by the
// caller via BumpRetry, not here.
func (s *Store) Transition(msgID string, next MessageState) error {
	var current MessageState
	err := s.db.QueryRow(`SELECT state FROM messages WHERE msg_id = ?`, msgID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.New(errs.MessageNotFound, msgID)
	}
	if err != nil {
		return errs.Wrap(errs.StoreBusy, err)
	}
	if !validTransitions[current][next] {
		return errs.New(errs.InvalidArgument, "illegal message state transition "+string(current)+" -> "+string(next))
	}
	_, err = s.db.Exec(`UPDATE messages SET state = ? WHERE msg_id = ?`, next, msgID)
	if err != nil {
		return errs.Wrap(errs.StoreBusy, err)
	}
	return nil
}

// GetMessage fetches one message by id.
func (s *Store) GetMessage(msgID string) (*Message, error) {
	row := s.db.QueryRow(
		`SELECT msg_id, direction, peer_fp, seq_num, plaintext, ciphertext_ref, timestamp, state, retry_count
		 FROM messages WHERE msg_id = ?`, msgID)
	return scanMessage(row)
}

func scanMessage(row *sql.Row) (*Message, error) {
	var (
		m         Message
		peerFP    string
		direction string
		state     string
		ts        int64
	)
	err := row.Scan(&m.ID, &direction, &peerFP, &m.SeqNum, &m.Plaintext, &m.CiphertextRef, &ts, &state, &m.RetryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.MessageNotFound, "")
	}
	if err != nil {
		return nil, errs.Wrap(errs.StoreBusy, err)
	}
	m.Direction = Direction(direction)
	m.PeerFP = crypto.Fingerprint(peerFP)
	m.State = MessageState(state)
	m.Timestamp = fromUnixMilli(ts)
	return &m, nil
}

// GetConversation returns every message exchanged with peerFP, oldest
// first.
func (s *Store) GetConversation(peerFP crypto.Fingerprint) ([]*Message, error) {
	return s.queryConversation(
		`SELECT msg_id, direction, peer_fp, seq_num, plaintext, ciphertext_ref, timestamp, state, retry_count
		 FROM messages WHERE peer_fp = ? ORDER BY timestamp ASC`, string(peerFP))
}

// GetConversationPage returns up to limit messages with peerFP older
// than beforeTS (exclusive), newest of the page first — a single page
// of infinite scroll-back.
func (s *Store) GetConversationPage(peerFP crypto.Fingerprint, beforeTS time.Time, limit int) ([]*Message, error) {
	return s.queryConversation(
		`SELECT msg_id, direction, peer_fp, seq_num, plaintext, ciphertext_ref, timestamp, state, retry_count
		 FROM messages WHERE peer_fp = ? AND timestamp < ? ORDER BY timestamp DESC LIMIT ?`,
		string(peerFP), unixMilli(beforeTS), limit)
}

func (s *Store) queryConversation(query string, args ...any) ([]*Message, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.StoreBusy, err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var (
			m         Message
			peerFP    string
			direction string
			state     string
			ts        int64
		)
		if err := rows.Scan(&m.ID, &direction, &peerFP, &m.SeqNum, &m.Plaintext, &m.CiphertextRef, &ts, &state, &m.RetryCount); err != nil {
			return nil, errs.Wrap(errs.StoreBusy, err)
		}
		m.Direction = Direction(direction)
		m.PeerFP = crypto.Fingerprint(peerFP)
		m.State = MessageState(state)
		m.Timestamp = fromUnixMilli(ts)
		out = append(out, &m)
	}
	return out, rows.Err()
}
