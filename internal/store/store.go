// Package store provides SQLite-backed persistence for bot users, their
// projects, and registered MCP server definitions.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// User is a Telegram user known to the bot.
type User struct {
	ID        string
	ChatID    int64
	Username  string
	CreatedAt time.Time
}

// Project is a directory root a user works in. Its path must have passed
// the containment check before it is saved.
type Project struct {
	ID        string
	UserID    string
	Name      string
	Path      string
	CreatedAt time.Time
}

// ServerStatus is the lifecycle state of a registered MCP server.
type ServerStatus string

const (
	StatusRegistered ServerStatus = "registered"
	StatusRunning    ServerStatus = "running"
	StatusStopped    ServerStatus = "stopped"
	StatusFailed     ServerStatus = "failed"
)

// MCPServer is a validated launch definition for an MCP server process.
type MCPServer struct {
	ID           string
	UserID       string
	Name         string
	Command      string
	Args         []string
	WorkDir      string
	Status       ServerStatus
	CreatedAt    time.Time
	LastLaunched time.Time
}

// Store provides SQLite-backed storage for bot state.
type Store struct {
	mu sync.RWMutex

	db     *sql.DB
	dbPath string
}

// New opens (creating if necessary) the database at dbPath.
func New(dbPath string, busyTimeout time.Duration) (*Store, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d", dbPath, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// initialize creates the database schema.
func (s *Store) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			chat_id INTEGER NOT NULL UNIQUE,
			username TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS projects (
			project_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			path TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,

			UNIQUE(user_id, name)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create projects table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS mcp_servers (
			server_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			command TEXT NOT NULL,
			args TEXT,
			work_dir TEXT,
			status TEXT DEFAULT 'registered',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			last_launched DATETIME,

			UNIQUE(user_id, name)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create mcp_servers table: %w", err)
	}

	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_projects_user ON projects(user_id)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_mcp_servers_user ON mcp_servers(user_id)`)

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertUser creates or refreshes the user record for a chat, returning it.
func (s *Store) UpsertUser(ctx context.Context, chatID int64, username string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, chat_id, username)
		VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			username = excluded.username
	`, userID, chatID, username)
	if err != nil {
		return nil, err
	}

	return s.getUserByChatIDLocked(ctx, chatID)
}

// GetUserByChatID retrieves a user by Telegram chat ID. Returns nil if the
// user is unknown.
func (s *Store) GetUserByChatID(ctx context.Context, chatID int64) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getUserByChatIDLocked(ctx, chatID)
}

func (s *Store) getUserByChatIDLocked(ctx context.Context, chatID int64) (*User, error) {
	var user User
	var createdAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, chat_id, username, created_at
		FROM users WHERE chat_id = ?
	`, chatID).Scan(&user.ID, &user.ChatID, &user.Username, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if createdAt.Valid {
		user.CreatedAt = createdAt.Time
	}

	return &user, nil
}

// SaveProject persists a project, replacing any existing project of the
// same name for the user.
func (s *Store) SaveProject(ctx context.Context, project *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if project.ID == "" {
		project.ID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (project_id, user_id, name, path)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, name) DO UPDATE SET
			path = excluded.path
	`, project.ID, project.UserID, project.Name, project.Path)
	return err
}

// GetProjects retrieves all projects for a user.
func (s *Store) GetProjects(ctx context.Context, userID string) ([]*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, user_id, name, path, created_at
		FROM projects WHERE user_id = ? ORDER BY name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		var project Project
		var createdAt sql.NullTime

		if err := rows.Scan(&project.ID, &project.UserID, &project.Name, &project.Path, &createdAt); err != nil {
			return nil, err
		}
		if createdAt.Valid {
			project.CreatedAt = createdAt.Time
		}
		projects = append(projects, &project)
	}

	return projects, rows.Err()
}

// DeleteProject removes a user's project by name.
func (s *Store) DeleteProject(ctx context.Context, userID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM projects WHERE user_id = ? AND name = ?
	`, userID, name)
	return err
}

// SaveServer persists an MCP server definition, replacing any existing
// definition of the same name for the user.
func (s *Store) SaveServer(ctx context.Context, server *MCPServer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if server.ID == "" {
		server.ID = uuid.NewString()
	}
	if server.Status == "" {
		server.Status = StatusRegistered
	}

	argsJSON, _ := json.Marshal(server.Args)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mcp_servers (server_id, user_id, name, command, args, work_dir, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, name) DO UPDATE SET
			command = excluded.command,
			args = excluded.args,
			work_dir = excluded.work_dir,
			status = excluded.status
	`, server.ID, server.UserID, server.Name, server.Command, string(argsJSON), server.WorkDir, server.Status)
	return err
}

// GetServer retrieves a user's MCP server by name. Returns nil if not found.
func (s *Store) GetServer(ctx context.Context, userID, name string) (*MCPServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var server MCPServer
	var argsJSON sql.NullString
	var createdAt, lastLaunched sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT server_id, user_id, name, command, args, work_dir, status, created_at, last_launched
		FROM mcp_servers WHERE user_id = ? AND name = ?
	`, userID, name).Scan(
		&server.ID, &server.UserID, &server.Name, &server.Command,
		&argsJSON, &server.WorkDir, &server.Status, &createdAt, &lastLaunched,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if argsJSON.Valid && argsJSON.String != "" {
		_ = json.Unmarshal([]byte(argsJSON.String), &server.Args)
	}
	if createdAt.Valid {
		server.CreatedAt = createdAt.Time
	}
	if lastLaunched.Valid {
		server.LastLaunched = lastLaunched.Time
	}

	return &server, nil
}

// GetServersByUser retrieves all MCP server definitions for a user.
func (s *Store) GetServersByUser(ctx context.Context, userID string) ([]*MCPServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT server_id, user_id, name, command, args, work_dir, status, created_at, last_launched
		FROM mcp_servers WHERE user_id = ? ORDER BY name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []*MCPServer
	for rows.Next() {
		var server MCPServer
		var argsJSON sql.NullString
		var createdAt, lastLaunched sql.NullTime

		if err := rows.Scan(
			&server.ID, &server.UserID, &server.Name, &server.Command,
			&argsJSON, &server.WorkDir, &server.Status, &createdAt, &lastLaunched,
		); err != nil {
			return nil, err
		}

		if argsJSON.Valid && argsJSON.String != "" {
			_ = json.Unmarshal([]byte(argsJSON.String), &server.Args)
		}
		if createdAt.Valid {
			server.CreatedAt = createdAt.Time
		}
		if lastLaunched.Valid {
			server.LastLaunched = lastLaunched.Time
		}

		servers = append(servers, &server)
	}

	return servers, rows.Err()
}

// UpdateServerStatus updates the lifecycle status of an MCP server and, for
// running servers, stamps the launch time.
func (s *Store) UpdateServerStatus(ctx context.Context, serverID string, status ServerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status == StatusRunning {
		_, err := s.db.ExecContext(ctx, `
			UPDATE mcp_servers SET status = ?, last_launched = ? WHERE server_id = ?
		`, status, time.Now(), serverID)
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE mcp_servers SET status = ? WHERE server_id = ?
	`, status, serverID)
	return err
}

// DeleteServer removes a user's MCP server definition by name.
func (s *Store) DeleteServer(ctx context.Context, userID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM mcp_servers WHERE user_id = ? AND name = ?
	`, userID, name)
	return err
}
