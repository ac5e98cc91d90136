package models

// MaxTS is the sentinel due time of a claimed task. All timestamps are Unix milliseconds.
const MaxTS int64 = 9999999999999

// TaskEvent names a cumulative receipt recorded by watermark.
type TaskEvent string

const (
	EventRead     TaskEvent = "read"
	EventDelivery TaskEvent = "delivery"
)

// Valid reports whether e is a known receipt event.
func (e TaskEvent) Valid() bool {
	return e == EventRead || e == EventDelivery
}

// Task is one delivery attempt unit for a (campaign, recipient) pair.
type Task struct {
	ID         string         `json:"id"`
	CampaignID string         `json:"campaign_id"`
	SenderID   string         `json:"sender_id"`
	PageID     string         `json:"page_id"`
	Enqueue    int64          `json:"enqueue"`
	InsEnqueue int64          `json:"ins_enqueue"`
	Ups        int            `json:"ups"`
	Sent       *int64         `json:"sent,omitempty"`
	Read       *int64         `json:"read,omitempty"`
	Delivery   *int64         `json:"delivery,omitempty"`
	Reaction   *bool          `json:"reaction,omitempty"`
	Leaved     *int64         `json:"leaved,omitempty"`
	Failed     *bool          `json:"failed,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Claimed reports whether the task currently holds the sentinel due time.
func (t Task) Claimed() bool {
	return t.Enqueue == MaxTS
}

// TaskPatch is a partial task update. Nil fields are left untouched.
type TaskPatch struct {
	Enqueue  *int64         `json:"enqueue,omitempty"`
	Sent     *int64         `json:"sent,omitempty"`
	Read     *int64         `json:"read,omitempty"`
	Delivery *int64         `json:"delivery,omitempty"`
	Reaction *bool          `json:"reaction,omitempty"`
	Leaved   *int64         `json:"leaved,omitempty"`
	Failed   *bool          `json:"failed,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Empty reports whether the patch sets nothing.
func (p TaskPatch) Empty() bool {
	return p.Enqueue == nil && p.Sent == nil && p.Read == nil && p.Delivery == nil &&
		p.Reaction == nil && p.Leaved == nil && p.Failed == nil && p.Payload == nil
}

// Target identifies a single recipient.
type Target struct {
	SenderID string `json:"sender_id"`
	PageID   string `json:"page_id"`
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// String returns a pointer to v.
func String(v string) *string { return &v }
