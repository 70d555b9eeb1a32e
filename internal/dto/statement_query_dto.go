package dto

import "time"

// StatementQuery describes the parameters of a statement fetch or search.
// Pointer fields distinguish "absent" from the zero value so that mode
// exclusivity can be checked.
type StatementQuery struct {
	StatementID       string
	VoidedStatementID string
	Agent             *Actor
	Verb              string
	Activity          string
	Registration      string
	RelatedActivities *bool
	RelatedAgents     *bool
	Since             *time.Time
	Until             *time.Time
	Limit             *int `validate:"omitempty,gte=0"`
	Ascending         *bool
}

// IsSingle reports whether the query addresses one statement by id.
func (q StatementQuery) IsSingle() bool {
	return q.StatementID != "" || q.VoidedStatementID != ""
}

// HasFilters reports whether any search-mode parameter is present.
func (q StatementQuery) HasFilters() bool {
	return q.Agent != nil ||
		q.Verb != "" ||
		q.Activity != "" ||
		q.Registration != "" ||
		q.RelatedActivities != nil ||
		q.RelatedAgents != nil ||
		q.Since != nil ||
		q.Until != nil ||
		q.Limit != nil ||
		q.Ascending != nil
}

// StatementResult is the response of a search. More is always empty.
type StatementResult struct {
	Statements []Statement `json:"statements"`
	More       string      `json:"more"`
}

// AboutResponse describes the server's supported xAPI versions.
type AboutResponse struct {
	Version    []string               `json:"version"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

// StatementEvent is published after a statement is durably stored.
type StatementEvent struct {
	ID        string    `json:"id"`
	Stored    time.Time `json:"stored"`
	Verb      string    `json:"verb"`
	Voiding   bool      `json:"voiding,omitempty"`
	Origin    string    `json:"origin,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
