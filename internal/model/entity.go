package model

import "time"

// Entity is a tracked business (dealer) whose AI visibility is scanned.
// Entities are created by onboarding and are read-only to the scanner.
type Entity struct {
	ID        string    `json:"id" yaml:"id" validate:"required"`
	Name      string    `json:"name" yaml:"name" validate:"required"`
	Domain    string    `json:"domain" yaml:"domain" validate:"required"`
	Brand     string    `json:"brand,omitempty" yaml:"brand,omitempty"`
	Locale    string    `json:"locale,omitempty" yaml:"locale,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

// Query is a natural-language probe from the tracked-queries catalog.
// Higher priority queries are scanned first when the catalog is capped.
type Query struct {
	ID       string `json:"id" yaml:"id"`
	Text     string `json:"text" yaml:"text" validate:"required"`
	Priority int    `json:"priority" yaml:"priority"`
	Active   bool   `json:"active" yaml:"active"`
}

// QueryTexts returns the texts of qs in order.
func QueryTexts(qs []Query) []string {
	out := make([]string, len(qs))
	for i, q := range qs {
		out[i] = q.Text
	}
	return out
}
