package domain

import "time"

// PresenceEntry 一个在线参与者，不落库，只存在于 presence 通道中。
type PresenceEntry struct {
	ParticipantID string    `json:"participant_id" cbor:"participant_id"`
	Name          string    `json:"name" cbor:"name"`
	JoinedAt      time.Time `json:"joined_at" cbor:"joined_at"`
}
