package amqp

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MilestoneMessage announces that a user reached an onboarding milestone
// for the first time. Consumers use ID to drop redeliveries.
type MilestoneMessage struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	Milestone string    `json:"milestone"`
	Timestamp time.Time `json:"timestamp"`
}

func NewMilestoneMessage(userID int64, milestone string) *MilestoneMessage {
	return &MilestoneMessage{
		ID:        uuid.NewString(),
		UserID:    userID,
		Milestone: milestone,
		Timestamp: time.Now().UTC(),
	}
}

func (m *MilestoneMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}
