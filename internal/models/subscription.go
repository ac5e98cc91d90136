package models

// Subscription is the opt-in tag set of a recipient. It never exists with zero tags.
type Subscription struct {
	SenderID string   `json:"sender_id"`
	PageID   string   `json:"page_id"`
	Tags     []string `json:"tags"`
}

// Audience is an include/exclude tag targeting predicate.
type Audience struct {
	Include []string `json:"include"`
	Exclude []string `json:"exclude"`
}

// Match reports whether tags intersect Include (when non-empty) and miss Exclude.
func (a Audience) Match(tags []string) bool {
	if len(a.Include) > 0 && !intersects(tags, a.Include) {
		return false
	}
	return !intersects(tags, a.Exclude)
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// TagStat is the number of subscriptions carrying a tag.
type TagStat struct {
	Tag           string `json:"tag"`
	Subscriptions int64  `json:"subscriptions"`
}

// TargetPage is one page of resolved recipients; an empty Cursor means no more pages.
type TargetPage struct {
	Data   []Target `json:"data"`
	Cursor string   `json:"cursor,omitempty"`
}
