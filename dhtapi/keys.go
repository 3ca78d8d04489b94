package dhtapi

import (
	"encoding/binary"
	"strings"

	"golang.org/x/crypto/sha3"
)

// hashKey computes H(parts...) = SHA3-512(concat(parts)), the key
// derivation used throughout §3/§4 for every DHT namespace.
func hashKey(parts ...[]byte) []byte {
	h := sha3.New512()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// IdentityKey returns H(signing_pubkey), where the identity record for
// that key is published.
func IdentityKey(signingPubkey []byte) []byte {
	return hashKey(signingPubkey)
}

// NameIndexKey returns H("name:" ‖ lowercase(name)), the secondary index
// mapping a registered display name to a fingerprint. Callers must
// normalize (NFC, lowercase) name before calling this.
func NameIndexKey(normalizedName string) []byte {
	return hashKey([]byte("name:"), []byte(strings.ToLower(normalizedName)))
}

// PresenceKey returns H("presence" ‖ fingerprint).
func PresenceKey(fingerprint string) []byte {
	return hashKey([]byte("presence"), []byte(fingerprint))
}

// OutboxBucketKey returns H("dm_outbox" ‖ sender_fp ‖ day_index), the
// sender-owned Spillway bucket for one calendar day.
func OutboxBucketKey(senderFingerprint string, dayIndex int64) []byte {
	var day [8]byte
	binary.BigEndian.PutUint64(day[:], uint64(dayIndex))
	return hashKey([]byte("dm_outbox"), []byte(senderFingerprint), day[:])
}

// ContactRequestBucketKey returns H("dm_creq" ‖ recipient_fp ‖ day_index):
// the recipient-owned request-inbox bucket for one calendar day. Unlike
// OutboxBucketKey, this bucket is keyed by the recipient rather than the
// sender, so a peer who has never exchanged watermarks with the
// recipient can still be discovered: the recipient only needs its own
// fingerprint to know where to look.
func ContactRequestBucketKey(recipientFingerprint string, dayIndex int64) []byte {
	var day [8]byte
	binary.BigEndian.PutUint64(day[:], uint64(dayIndex))
	return hashKey([]byte("dm_creq"), []byte(recipientFingerprint), day[:])
}

// AckKey returns H("ack" ‖ recipient_fp ‖ sender_fp): the record the
// named recipient uses to tell the named sender how much it has seen.
func AckKey(recipientFingerprint, senderFingerprint string) []byte {
	return hashKey([]byte("ack"), []byte(recipientFingerprint), []byte(senderFingerprint))
}

// IKPKey returns H("ikp" ‖ group_uuid ‖ gek_version).
func IKPKey(groupUUID string, gekVersion uint32) []byte {
	var ver [4]byte
	binary.BigEndian.PutUint32(ver[:], gekVersion)
	return hashKey([]byte("ikp"), []byte(groupUUID), ver[:])
}

// GroupMessageKey returns H("gmsg" ‖ group_uuid ‖ day_index).
func GroupMessageKey(groupUUID string, dayIndex int64) []byte {
	var day [8]byte
	binary.BigEndian.PutUint64(day[:], uint64(dayIndex))
	return hashKey([]byte("gmsg"), []byte(groupUUID), day[:])
}

// GroupMessageSenderKey returns H("gmsg" ‖ group_uuid ‖ sender_fp ‖
// day_index): one member's slice of a day's group channel. The group
// channel as a whole is the union of every member's slice, sharded per
// sender so that concurrent posts from different members never race for
// the same DHT slot — the same sender-owned bucket model Spillway uses
// for direct messages, applied per group instead of per contact.
func GroupMessageSenderKey(groupUUID, senderFingerprint string, dayIndex int64) []byte {
	var day [8]byte
	binary.BigEndian.PutUint64(day[:], uint64(dayIndex))
	return hashKey([]byte("gmsg"), []byte(groupUUID), []byte(senderFingerprint), day[:])
}

// DayIndex converts a Unix timestamp (seconds) to the calendar day index
// used to shard outbox and group-message buckets: floor(unix_time / 86400).
func DayIndex(unixSeconds int64) int64 {
	const secondsPerDay = 86400
	if unixSeconds < 0 && unixSeconds%secondsPerDay != 0 {
		return unixSeconds/secondsPerDay - 1
	}
	return unixSeconds / secondsPerDay
}
