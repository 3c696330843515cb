package models

import "time"

// Automation is the owning entity of flow executions. Only its identity and
// enabled flag matter to the engine; authoring lives elsewhere.
type Automation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"   validate:"required"`
	ThreadID  string    `json:"thread_id" validate:"required"`
	Name      string    `json:"name"      validate:"required,min=3"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
