package model

type Event struct {
	Stage  string `json:"stage"`
	Detail string `json:"detail"`
	TS     string `json:"ts"`
}

type Summary struct {
	Total  int `json:"total_issues"`
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
	Other  int `json:"other"`
}

// JobSummary is the small digest stored with a finished audit job. The full
// report and metrics live in object storage.
type JobSummary struct {
	Issues       Summary          `json:"issues"`
	Repositories int              `json:"repositories"`
	Functions    int              `json:"functions"`
	LOCByClass   map[string]int64 `json:"loc_by_class,omitempty"`
	Skipped      string           `json:"skipped,omitempty"`
}
