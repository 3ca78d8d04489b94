package outbox

import (
	"encoding/json"
	"fmt"

	"github.com/dnamesh/dnamessenger/crypto"
)

// ackPayload is the signed value published at H("ack" ‖ recipient_fp ‖
// sender_fp): the highest seq_num the publisher (self) has observed from
// sender, at Fingerprint (§3 ACK Record).
type ackPayload struct {
	Fingerprint crypto.Fingerprint `json:"fingerprint"`
	Seq         uint64             `json:"seq"`
}

func (a *ackPayload) marshal() ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("outbox: marshal ack: %w", err)
	}
	return data, nil
}

func unmarshalAckPayload(data []byte) (*ackPayload, error) {
	var a ackPayload
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("outbox: unmarshal ack: %w", err)
	}
	return &a, nil
}
