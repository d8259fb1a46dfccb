package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/lumina-crm/pulse/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a notification or lead does not exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	pool *pgxpool.Pool
}

// New connects a pgx pool and applies any pending migrations.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(databaseURL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{pool: pool}, nil
}

func runMigrations(databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// InsertNotification persists a notification and returns the stored record.
func (s *Store) InsertNotification(ctx context.Context, n model.Notification) (model.Notification, error) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	meta := n.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return model.Notification{}, fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO notifications (id, organization_id, user_id, type, title, message, metadata, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
	`, n.ID, n.OrganizationID, n.UserID, string(n.Type), n.Title, n.Message, metaJSON, n.CreatedAt)
	if err != nil {
		return model.Notification{}, fmt.Errorf("insert notification: %w", err)
	}

	n.Read = false
	slog.Debug("notification inserted", "id", n.ID, "type", n.Type)
	return n, nil
}

// GetNotification returns a single notification by ID.
func (s *Store) GetNotification(ctx context.Context, id string) (model.Notification, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, organization_id, user_id, type, title, message, metadata, read, created_at
		FROM notifications WHERE id = $1
	`, id)
	return scanNotification(row)
}

// ListNotifications returns a user's notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context, organizationID, userID string) ([]model.Notification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, organization_id, user_id, type, title, message, metadata, read, created_at
		FROM notifications
		WHERE organization_id = $1 AND user_id = $2
		ORDER BY created_at DESC
	`, organizationID, userID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var results []model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, n)
	}
	return results, rows.Err()
}

// UnreadCount derives the unread total; it is never stored.
func (s *Store) UnreadCount(ctx context.Context, organizationID, userID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM notifications
		WHERE organization_id = $1 AND user_id = $2 AND read = FALSE
	`, organizationID, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// MarkNotificationRead transitions one notification to read. Returns
// whether a transition occurred; marking an already-read notification is
// a successful no-op. The read flag never transitions back.
func (s *Store) MarkNotificationRead(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE notifications SET read = TRUE WHERE id = $1 AND read = FALSE`, id)
	if err != nil {
		return false, fmt.Errorf("mark read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish already-read from missing.
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM notifications WHERE id = $1)`, id).Scan(&exists); err != nil {
			return false, fmt.Errorf("check notification: %w", err)
		}
		if !exists {
			return false, ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

// MarkAllNotificationsRead bulk-transitions a user's unread notifications
// and returns the number of rows that actually changed.
func (s *Store) MarkAllNotificationsRead(ctx context.Context, organizationID, userID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications SET read = TRUE
		WHERE organization_id = $1 AND user_id = $2 AND read = FALSE
	`, organizationID, userID)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteNotification permanently removes a notification.
func (s *Store) DeleteNotification(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM notifications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertLead persists a new lead and returns the stored record.
func (s *Store) InsertLead(ctx context.Context, l model.Lead) (model.Lead, error) {
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO leads (id, organization_id, name, email, phone, company, notes, pipeline_stage, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, l.ID, l.OrganizationID, l.Name, l.Email, l.Phone, l.Company, l.Notes, l.PipelineStage, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return model.Lead{}, fmt.Errorf("insert lead: %w", err)
	}
	return l, nil
}

// UpdateLead applies non-empty fields from data plus the pipeline stage to
// an existing lead and returns the updated record.
func (s *Store) UpdateLead(ctx context.Context, id string, data model.LeadData, pipelineStage string) (model.Lead, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE leads SET
			name           = COALESCE(NULLIF($2, ''), name),
			email          = COALESCE(NULLIF($3, ''), email),
			phone          = COALESCE(NULLIF($4, ''), phone),
			company        = COALESCE(NULLIF($5, ''), company),
			notes          = COALESCE(NULLIF($6, ''), notes),
			pipeline_stage = $7,
			updated_at     = now()
		WHERE id = $1
		RETURNING id, organization_id, name, email, phone, company, notes, pipeline_stage, created_at, updated_at
	`, id, data.Name, data.Email, data.Phone, data.Company, data.Notes, pipelineStage)

	l, err := scanLead(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Lead{}, ErrNotFound
	}
	if err != nil {
		return model.Lead{}, fmt.Errorf("update lead: %w", err)
	}
	return l, nil
}

// GetLead returns a single lead by ID.
func (s *Store) GetLead(ctx context.Context, id string) (model.Lead, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, organization_id, name, email, phone, company, notes, pipeline_stage, created_at, updated_at
		FROM leads WHERE id = $1
	`, id)
	l, err := scanLead(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Lead{}, ErrNotFound
	}
	if err != nil {
		return model.Lead{}, fmt.Errorf("get lead: %w", err)
	}
	return l, nil
}

// DeleteLead permanently removes a lead.
func (s *Store) DeleteLead(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM leads WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete lead: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanNotification(row pgx.Row) (model.Notification, error) {
	var (
		n        model.Notification
		ntype    string
		metaJSON []byte
	)
	err := row.Scan(&n.ID, &n.OrganizationID, &n.UserID, &ntype, &n.Title, &n.Message, &metaJSON, &n.Read, &n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Notification{}, ErrNotFound
	}
	if err != nil {
		return model.Notification{}, fmt.Errorf("scan notification: %w", err)
	}
	n.Type = model.NotificationType(ntype)
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &n.Metadata); err != nil {
			return model.Notification{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return n, nil
}

func scanLead(row pgx.Row) (model.Lead, error) {
	var l model.Lead
	err := row.Scan(&l.ID, &l.OrganizationID, &l.Name, &l.Email, &l.Phone, &l.Company, &l.Notes, &l.PipelineStage, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return model.Lead{}, err
	}
	return l, nil
}
