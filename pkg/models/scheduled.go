package models

import "time"

// ScheduledJobState is the lifecycle state of a scheduled entry.
type ScheduledJobState string

const (
	ScheduledActive    ScheduledJobState = "active"
	ScheduledCompleted ScheduledJobState = "completed"
	ScheduledCancelled ScheduledJobState = "cancelled"
	ScheduledFailed    ScheduledJobState = "failed"
)

// ScheduledJobType distinguishes plain reminders from orchestrator-backed
// tasks, and one-shot from recurring entries.
type ScheduledJobType string

const (
	ScheduledReminder          ScheduledJobType = "reminder"
	ScheduledRecurrentReminder ScheduledJobType = "recurrent-reminder"
	ScheduledTask              ScheduledJobType = "task"
	ScheduledRecurrentTask     ScheduledJobType = "recurrent-task"
)

// IsReminder reports whether t is a reminder variant.
func (t ScheduledJobType) IsReminder() bool {
	return t == ScheduledReminder || t == ScheduledRecurrentReminder
}

// IsRecurrent reports whether t repeats.
func (t ScheduledJobType) IsRecurrent() bool {
	return t == ScheduledRecurrentReminder || t == ScheduledRecurrentTask
}

// ScheduledJob mirrors the scheduled:<id> hash in the KV store. Only active
// entries cause deliveries; terminal entries carry a retention TTL.
type ScheduledJob struct {
	ID          string            `json:"id"`
	State       ScheduledJobState `json:"state"`
	Type        ScheduledJobType  `json:"type"`
	ChannelID   string            `json:"channelId"`
	Description string            `json:"description"`
	CronPattern string            `json:"cronPattern,omitempty"`
	NextRun     *time.Time        `json:"nextRun,omitempty"`
	Timezone    string            `json:"timezone,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}
