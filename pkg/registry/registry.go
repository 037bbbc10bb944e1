package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	_ "modernc.org/sqlite"

	"github.com/coalesce-ai/coalesce/pkg/models"
)

// ErrModelNotFound is returned when a model name has no registered config.
var ErrModelNotFound = errors.New("model not found")

// Registry resolves model names to call configuration.
type Registry interface {
	// Resolve returns the call configuration for a model name.
	Resolve(ctx context.Context, name string) (models.ModelConfig, error)
	// Register inserts or replaces a model configuration.
	Register(ctx context.Context, cfg models.ModelConfig) error
	// List returns all registered models ordered by name.
	List(ctx context.Context) ([]models.ModelConfig, error)
	// Delete removes a model by name.
	Delete(ctx context.Context, name string) error
	// Close releases resources.
	Close() error
}

// SQLiteRegistry implements Registry with a SQLite database.
type SQLiteRegistry struct {
	db *sql.DB
}

const createModelsTable = `
CREATE TABLE IF NOT EXISTS model_configs (
	name TEXT PRIMARY KEY,
	endpoint TEXT NOT NULL,
	method TEXT NOT NULL DEFAULT 'POST',
	content_type TEXT NOT NULL DEFAULT 'application/json',
	headers TEXT NOT NULL DEFAULT '{}',
	default_args TEXT NOT NULL DEFAULT '{}',
	updated_at DATETIME NOT NULL
);
`

// New creates a SQLiteRegistry and runs auto-migration.
func New(dbPath string) (*SQLiteRegistry, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}

	if _, err := db.Exec(createModelsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate registry db: %w", err)
	}

	return &SQLiteRegistry{db: db}, nil
}

// Register inserts or replaces a model configuration.
func (r *SQLiteRegistry) Register(ctx context.Context, cfg models.ModelConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("register model: name is required")
	}
	if cfg.Endpoint == "" {
		return fmt.Errorf("register model %q: endpoint is required", cfg.Name)
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}

	headers, err := json.Marshal(cfg.Headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	args, err := json.Marshal(cfg.DefaultArgs)
	if err != nil {
		return fmt.Errorf("encode default args: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO model_configs (name, endpoint, method, content_type, headers, default_args, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		 endpoint = excluded.endpoint,
		 method = excluded.method,
		 content_type = excluded.content_type,
		 headers = excluded.headers,
		 default_args = excluded.default_args,
		 updated_at = excluded.updated_at`,
		cfg.Name, cfg.Endpoint, cfg.Method, cfg.ContentType, string(headers), string(args), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("register model: %w", err)
	}
	return nil
}

// Resolve returns the call configuration for a model name.
func (r *SQLiteRegistry) Resolve(ctx context.Context, name string) (models.ModelConfig, error) {
	var cfg models.ModelConfig
	var headers, args string

	err := r.db.QueryRowContext(ctx,
		`SELECT name, endpoint, method, content_type, headers, default_args
		 FROM model_configs WHERE name = ?`,
		name,
	).Scan(&cfg.Name, &cfg.Endpoint, &cfg.Method, &cfg.ContentType, &headers, &args)

	if errors.Is(err, sql.ErrNoRows) {
		return models.ModelConfig{}, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	if err != nil {
		return models.ModelConfig{}, fmt.Errorf("resolve model: %w", err)
	}

	if err := json.Unmarshal([]byte(headers), &cfg.Headers); err != nil {
		return models.ModelConfig{}, fmt.Errorf("decode headers for %s: %w", name, err)
	}
	if err := json.Unmarshal([]byte(args), &cfg.DefaultArgs); err != nil {
		return models.ModelConfig{}, fmt.Errorf("decode default args for %s: %w", name, err)
	}
	return cfg, nil
}

// List returns all registered models ordered by name.
func (r *SQLiteRegistry) List(ctx context.Context) ([]models.ModelConfig, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name, endpoint, method, content_type, headers, default_args
		 FROM model_configs ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	var configs []models.ModelConfig
	for rows.Next() {
		var cfg models.ModelConfig
		var headers, args string
		if err := rows.Scan(&cfg.Name, &cfg.Endpoint, &cfg.Method, &cfg.ContentType, &headers, &args); err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		if err := json.Unmarshal([]byte(headers), &cfg.Headers); err != nil {
			return nil, fmt.Errorf("decode headers for %s: %w", cfg.Name, err)
		}
		if err := json.Unmarshal([]byte(args), &cfg.DefaultArgs); err != nil {
			return nil, fmt.Errorf("decode default args for %s: %w", cfg.Name, err)
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// Delete removes a model by name.
func (r *SQLiteRegistry) Delete(ctx context.Context, name string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM model_configs WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete model: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete model: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	return nil
}

// Close releases the database connection.
func (r *SQLiteRegistry) Close() error {
	return r.db.Close()
}
