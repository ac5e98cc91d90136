package models

// CampaignStats are cumulative counters maintained by atomic increments.
type CampaignStats struct {
	Sent         int64 `json:"sent"`
	Succeeded    int64 `json:"succeeded"`
	Failed       int64 `json:"failed"`
	Unsubscribed int64 `json:"unsubscribed"`
	Delivery     int64 `json:"delivery"`
	Read         int64 `json:"read"`
	NotSent      int64 `json:"not_sent"`
	Leaved       int64 `json:"leaved"`
	Queued       int64 `json:"queued"`
}

// Campaign is a notification broadcast definition.
type Campaign struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Include        []string       `json:"include"`
	Exclude        []string       `json:"exclude"`
	Action         string         `json:"action"`
	Data           map[string]any `json:"data,omitempty"`
	Active         bool           `json:"active"`
	In24HourWindow bool           `json:"in_24_hour_window"`
	StartAt        *int64         `json:"start_at"`
	Sliding        bool           `json:"sliding"`
	Slide          int64          `json:"slide"`
	SlideRound     int64          `json:"slide_round"`
	CampaignStats
}

// CampaignPatch is a partial campaign update. Nil fields are left untouched;
// ClearStartAt resets a pending trigger and wins over StartAt.
type CampaignPatch struct {
	Name           *string         `json:"name,omitempty"`
	Include        *[]string       `json:"include,omitempty"`
	Exclude        *[]string       `json:"exclude,omitempty"`
	Action         *string         `json:"action,omitempty"`
	Data           *map[string]any `json:"data,omitempty"`
	Active         *bool           `json:"active,omitempty"`
	In24HourWindow *bool           `json:"in_24_hour_window,omitempty"`
	StartAt        *int64          `json:"start_at,omitempty"`
	ClearStartAt   bool            `json:"clear_start_at,omitempty"`
	Sliding        *bool           `json:"sliding,omitempty"`
	Slide          *int64          `json:"slide,omitempty"`
	SlideRound     *int64          `json:"slide_round,omitempty"`
}

// Apply copies the fields set in p onto c.
func (p CampaignPatch) Apply(c *Campaign) {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Include != nil {
		c.Include = *p.Include
	}
	if p.Exclude != nil {
		c.Exclude = *p.Exclude
	}
	if p.Action != nil {
		c.Action = *p.Action
	}
	if p.Data != nil {
		c.Data = *p.Data
	}
	if p.Active != nil {
		c.Active = *p.Active
	}
	if p.In24HourWindow != nil {
		c.In24HourWindow = *p.In24HourWindow
	}
	if p.StartAt != nil {
		v := *p.StartAt
		c.StartAt = &v
	}
	if p.ClearStartAt {
		c.StartAt = nil
	}
	if p.Sliding != nil {
		c.Sliding = *p.Sliding
	}
	if p.Slide != nil {
		c.Slide = *p.Slide
	}
	if p.SlideRound != nil {
		c.SlideRound = *p.SlideRound
	}
}

// Empty reports whether the patch changes nothing.
func (p CampaignPatch) Empty() bool {
	return p.Name == nil && p.Include == nil && p.Exclude == nil && p.Action == nil &&
		p.Data == nil && p.Active == nil && p.In24HourWindow == nil && p.StartAt == nil &&
		!p.ClearStartAt && p.Sliding == nil && p.Slide == nil && p.SlideRound == nil
}

// CampaignCounters are increments applied to CampaignStats. Zero fields are skipped.
type CampaignCounters CampaignStats

// Fields returns the non-zero counters keyed by their stat name.
func (c CampaignCounters) Fields() map[string]int64 {
	out := make(map[string]int64, 9)
	add := func(name string, v int64) {
		if v != 0 {
			out[name] = v
		}
	}
	add("sent", c.Sent)
	add("succeeded", c.Succeeded)
	add("failed", c.Failed)
	add("unsubscribed", c.Unsubscribed)
	add("delivery", c.Delivery)
	add("read", c.Read)
	add("notSent", c.NotSent)
	add("leaved", c.Leaved)
	add("queued", c.Queued)
	return out
}

// CampaignFilter narrows GetCampaigns. Nil fields do not filter.
type CampaignFilter struct {
	Active  *bool `json:"active,omitempty"`
	Sliding *bool `json:"sliding,omitempty"`
}

// Match reports whether c passes the filter.
func (f CampaignFilter) Match(c Campaign) bool {
	if f.Active != nil && c.Active != *f.Active {
		return false
	}
	if f.Sliding != nil && c.Sliding != *f.Sliding {
		return false
	}
	return true
}

// CampaignPage is one page of campaigns; an empty Cursor means no more pages.
type CampaignPage struct {
	Data   []Campaign `json:"data"`
	Cursor string     `json:"cursor,omitempty"`
}
