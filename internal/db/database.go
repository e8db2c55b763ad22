// Package db is the project and user datastore.
package db

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/manpreetbhatti/codelattice/internal/codec"
)

type Database struct {
	db *sql.DB
}

// Project is the record created at provisioning time. Files holds the
// template content the project started from; later edits live in the
// project's room.
type Project struct {
	ID        string            `json:"id"`
	OwnerID   string            `json:"owner_id"`
	Name      string            `json:"name"`
	Framework string            `json:"framework"`
	CreatedAt time.Time         `json:"created_at"`
	Files     map[string]string `json:"files,omitempty"`
}

type User struct {
	ID        string    `json:"id"`
	GitHubID  int64     `json:"github_id"`
	Login     string    `json:"login"`
	Name      string    `json:"name,omitempty"`
	Email     string    `json:"email,omitempty"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func New(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "create database directory")
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enable WAL")
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create tables")
	}

	slog.Info("database initialized", "path", dbPath)
	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		github_id INTEGER NOT NULL UNIQUE,
		login TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		framework TEXT NOT NULL,
		files BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_projects_owner ON projects(owner_id, created_at DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Project operations

func (d *Database) CreateProject(ctx context.Context, p *Project) error {
	files, err := codec.Marshal(p.Files)
	if err != nil {
		return errors.Wrap(err, "encode files")
	}

	_, err = d.db.ExecContext(ctx,
		"INSERT INTO projects (id, owner_id, name, framework, files, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		p.ID, p.OwnerID, p.Name, p.Framework, files, p.CreatedAt.UnixMilli(),
	)
	return errors.Wrap(err, "insert project")
}

// GetProject returns nil when the project does not exist.
func (d *Database) GetProject(ctx context.Context, id string) (*Project, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT id, owner_id, name, framework, files, created_at FROM projects WHERE id = ?",
		id,
	)

	p, err := scanProject(row, true)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListProjectsByOwner returns the owner's projects newest first, without
// their files.
func (d *Database) ListProjectsByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Project, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT id, owner_id, name, framework, NULL, created_at FROM projects WHERE owner_id = ? ORDER BY created_at DESC, id LIMIT ? OFFSET ?",
		ownerID, limit, offset,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list projects")
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		p, err := scanProject(rows, false)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner, withFiles bool) (*Project, error) {
	var (
		p       Project
		files   []byte
		created int64
	)
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Framework, &files, &created); err != nil {
		return nil, err
	}
	p.CreatedAt = time.UnixMilli(created).UTC()

	if withFiles {
		if err := codec.Unmarshal(files, &p.Files); err != nil {
			return nil, errors.Wrapf(err, "decode files of project %s", p.ID)
		}
	}
	return &p, nil
}

// User operations

// UpsertUser inserts u or refreshes the profile of the user with the same
// GitHub id. u.ID and u.CreatedAt are set to the stored values.
func (d *Database) UpsertUser(ctx context.Context, u *User) error {
	now := time.Now().UTC()
	if u.ID == "" {
		return errors.New("user id is required")
	}

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO users (id, github_id, login, name, email, avatar_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(github_id) DO UPDATE SET
			login = excluded.login,
			name = excluded.name,
			email = excluded.email,
			avatar_url = excluded.avatar_url,
			updated_at = excluded.updated_at
	`, u.ID, u.GitHubID, u.Login, u.Name, u.Email, u.AvatarURL, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return errors.Wrap(err, "upsert user")
	}

	stored, err := d.getUser(ctx, "github_id", u.GitHubID)
	if err != nil {
		return err
	}
	*u = *stored
	return nil
}

// GetUser returns nil when the user does not exist.
func (d *Database) GetUser(ctx context.Context, id string) (*User, error) {
	u, err := d.getUser(ctx, "id", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

func (d *Database) getUser(ctx context.Context, column string, value any) (*User, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT id, github_id, login, name, email, avatar_url, created_at, updated_at FROM users WHERE "+column+" = ?",
		value,
	)

	var (
		user             User
		created, updated int64
	)
	err := row.Scan(&user.ID, &user.GitHubID, &user.Login, &user.Name, &user.Email, &user.AvatarURL, &created, &updated)
	if err != nil {
		return nil, errors.Wrap(err, "get user")
	}
	user.CreatedAt = time.UnixMilli(created).UTC()
	user.UpdatedAt = time.UnixMilli(updated).UTC()
	return &user, nil
}

// Stats

func (d *Database) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var projectCount int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM projects").Scan(&projectCount); err != nil {
		return nil, err
	}
	stats["project_count"] = projectCount

	var userCount int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&userCount); err != nil {
		return nil, err
	}
	stats["user_count"] = userCount

	return stats, nil
}
