package model

import "time"

type Customer struct {
	ID          string    `db:"id"           json:"id"`
	ProjectID   string    `db:"project_id"   json:"project_id"`
	WorkspaceID string    `db:"workspace_id" json:"workspace_id"`
	CreatedAt   time.Time `db:"created_at"   json:"created_at"`
}

// Project owns customers and authenticates the inbound API.
type Project struct {
	ID           string    `db:"id"`
	WorkspaceID  string    `db:"workspace_id"`
	Name         string    `db:"name"`
	APIKey       string    `db:"api_key"`
	Status       string    `db:"status"`         // active|suspended
	RateLimitRPS *int      `db:"rate_limit_rps"` // nullable
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}
