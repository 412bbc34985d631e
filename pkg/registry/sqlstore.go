package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/steward-ci/steward/pkg/models"
)

// SQLStore is the write-through persistence behind the registry. It works
// against both PostgreSQL and SQLite; queries use ? placeholders and are
// rebound per driver.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore creates a store over an open database handle.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

// agentRow mirrors the agents table. Labels and system_info are stored as
// JSON text so the same shape works on both backends.
type agentRow struct {
	ID            string         `db:"id"`
	Name          string         `db:"name"`
	URL           string         `db:"url"`
	Labels        string         `db:"labels"`
	MaxBuilds     int            `db:"max_builds"`
	CurrentBuilds int            `db:"current_builds"`
	Status        string         `db:"status"`
	SystemInfo    sql.NullString `db:"system_info"`
	RegisteredAt  time.Time      `db:"registered_at"`
	LastHeartbeat time.Time      `db:"last_heartbeat"`
	OrgID         sql.NullString `db:"org_id"`
	Region        string         `db:"region"`
}

// SaveAgent upserts one agent record. registered_at is immutable after
// the first insert.
func (s *SQLStore) SaveAgent(ctx context.Context, agent *models.Agent) error {
	row, err := agentRowFrom(agent)
	if err != nil {
		return fmt.Errorf("failed to encode agent %s: %w", agent.ID, err)
	}

	query := s.db.Rebind(`
		INSERT INTO agents (id, name, url, labels, max_builds, current_builds,
			status, system_info, registered_at, last_heartbeat, org_id, region)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			url = excluded.url,
			labels = excluded.labels,
			max_builds = excluded.max_builds,
			current_builds = excluded.current_builds,
			status = excluded.status,
			system_info = excluded.system_info,
			last_heartbeat = excluded.last_heartbeat,
			org_id = excluded.org_id,
			region = excluded.region`)

	_, err = s.db.ExecContext(ctx, query,
		row.ID, row.Name, row.URL, row.Labels, row.MaxBuilds, row.CurrentBuilds,
		row.Status, row.SystemInfo, row.RegisteredAt, row.LastHeartbeat,
		row.OrgID, row.Region)
	if err != nil {
		return fmt.Errorf("failed to save agent %s: %w", agent.ID, err)
	}
	return nil
}

// DeleteAgent removes one agent record. Deleting an absent agent is not
// an error.
func (s *SQLStore) DeleteAgent(ctx context.Context, id string) error {
	query := s.db.Rebind(`DELETE FROM agents WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete agent %s: %w", id, err)
	}
	return nil
}

// LoadAgents returns every persisted agent, for rehydration after a
// master restart.
func (s *SQLStore) LoadAgents(ctx context.Context) ([]*models.Agent, error) {
	var rows []agentRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, name, url, labels, max_builds, current_builds, status,
			system_info, registered_at, last_heartbeat, org_id, region
		FROM agents`)
	if err != nil {
		return nil, fmt.Errorf("failed to load agents: %w", err)
	}

	agents := make([]*models.Agent, 0, len(rows))
	for _, row := range rows {
		agent, err := row.toModel()
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

func agentRowFrom(agent *models.Agent) (agentRow, error) {
	labels := agent.Labels
	if labels == nil {
		labels = []string{}
	}
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return agentRow{}, err
	}

	row := agentRow{
		ID:            agent.ID,
		Name:          agent.Name,
		URL:           agent.URL,
		Labels:        string(labelsJSON),
		MaxBuilds:     agent.MaxBuilds,
		CurrentBuilds: agent.CurrentBuilds,
		Status:        string(agent.Status),
		RegisteredAt:  agent.RegisteredAt,
		LastHeartbeat: agent.LastHeartbeat,
		Region:        agent.Region,
	}
	if agent.SystemInfo != nil {
		siJSON, err := json.Marshal(agent.SystemInfo)
		if err != nil {
			return agentRow{}, err
		}
		row.SystemInfo = sql.NullString{String: string(siJSON), Valid: true}
	}
	if agent.OrgID != nil {
		row.OrgID = sql.NullString{String: *agent.OrgID, Valid: true}
	}
	return row, nil
}

func (r agentRow) toModel() (*models.Agent, error) {
	agent := &models.Agent{
		ID:            r.ID,
		Name:          r.Name,
		URL:           r.URL,
		MaxBuilds:     r.MaxBuilds,
		CurrentBuilds: r.CurrentBuilds,
		Status:        models.AgentStatus(r.Status),
		RegisteredAt:  r.RegisteredAt,
		LastHeartbeat: r.LastHeartbeat,
		Region:        r.Region,
	}

	if r.Labels != "" {
		if err := json.Unmarshal([]byte(r.Labels), &agent.Labels); err != nil {
			return nil, fmt.Errorf("failed to decode labels for agent %s: %w", r.ID, err)
		}
	}
	if r.SystemInfo.Valid && r.SystemInfo.String != "" {
		var si models.SystemInfo
		if err := json.Unmarshal([]byte(r.SystemInfo.String), &si); err != nil {
			return nil, fmt.Errorf("failed to decode system_info for agent %s: %w", r.ID, err)
		}
		agent.SystemInfo = &si
	}
	if r.OrgID.Valid {
		org := r.OrgID.String
		agent.OrgID = &org
	}
	return agent, nil
}
