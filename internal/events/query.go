package events

import "time"

// QueryStart is emitted before an operator tree is compiled.
type QueryStart struct {
	QueryID string
	Plan    string
}

// QueryFinish is emitted when the terminal task of a query has published
// its result.
type QueryFinish struct {
	QueryID  string
	Err      error
	Duration time.Duration
}
