package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go driver
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path and runs
// migrations. WAL mode and busy_timeout apply to every pooled connection.
func OpenSQLite(path string, busyTimeout time.Duration) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("sqlite: create directory: %w", err)
		}
	}
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		path, busyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS water_level_cameras (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		roi_coords TEXT NOT NULL,
		min_value REAL NOT NULL,
		max_value REAL NOT NULL,
		threshold REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'inactive' CHECK(status IN ('active', 'inactive', 'error')),
		current_level REAL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_water_level_cameras_created ON water_level_cameras(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

const cameraColumns = `id, name, roi_coords, min_value, max_value, threshold, status, current_level, created_at, updated_at`

// Create stores a new camera.
func (s *SQLiteStore) Create(ctx context.Context, in NewCamera) (*Camera, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	roi, err := json.Marshal(in.ROI)
	if err != nil {
		return nil, fmt.Errorf("encode roi: %w", err)
	}

	now := time.Now().UTC()
	cam := &Camera{
		ID:        uuid.New().String(),
		Name:      in.Name,
		ROI:       in.ROI,
		MinValue:  in.MinValue,
		MaxValue:  in.MaxValue,
		Threshold: in.Threshold,
		Status:    StatusInactive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `INSERT INTO water_level_cameras (` + cameraColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		cam.ID, cam.Name, string(roi), cam.MinValue, cam.MaxValue, cam.Threshold,
		string(cam.Status), formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert camera: %w", err)
	}
	return cam, nil
}

// FetchConfig returns one camera.
func (s *SQLiteStore) FetchConfig(ctx context.Context, id string) (*Camera, error) {
	query := `SELECT ` + cameraColumns + ` FROM water_level_cameras WHERE id = ?`
	cam, err := scanCamera(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch camera %s: %w", id, err)
	}
	return cam, nil
}

// List returns all cameras, oldest first.
func (s *SQLiteStore) List(ctx context.Context) ([]*Camera, error) {
	query := `SELECT ` + cameraColumns + ` FROM water_level_cameras ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list cameras: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cams := []*Camera{}
	for rows.Next() {
		cam, err := scanCamera(rows)
		if err != nil {
			return nil, fmt.Errorf("scan camera: %w", err)
		}
		cams = append(cams, cam)
	}
	return cams, rows.Err()
}

// Delete removes a camera.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM water_level_cameras WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete camera %s: %w", id, err)
	}
	return requireRow(res)
}

// UpdateLevel records the latest reading.
func (s *SQLiteStore) UpdateLevel(ctx context.Context, id string, level float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE water_level_cameras SET current_level = ?, updated_at = ? WHERE id = ?`,
		level, formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("update level %s: %w", id, err)
	}
	return requireRow(res)
}

// UpdateStatus records the camera state.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE water_level_cameras SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("update status %s: %w", id, err)
	}
	return requireRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCamera(row rowScanner) (*Camera, error) {
	var (
		cam                  Camera
		roi, status          string
		level                sql.NullFloat64
		createdAt, updatedAt string
	)
	if err := row.Scan(&cam.ID, &cam.Name, &roi, &cam.MinValue, &cam.MaxValue, &cam.Threshold,
		&status, &level, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(roi), &cam.ROI); err != nil {
		return nil, fmt.Errorf("decode roi: %w", err)
	}
	cam.Status = Status(status)
	if level.Valid {
		v := level.Float64
		cam.CurrentLevel = &v
	}
	var err error
	if cam.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	if cam.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("decode updated_at: %w", err)
	}
	return &cam, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
