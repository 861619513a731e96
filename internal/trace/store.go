package trace

import (
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const maxSessions = 100

// Store persists stream trace data to PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to a PostgreSQL trace database at connStr.
func Open(connStr string) (*Store, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("trace open: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace ping: %w", err)
	}
	if err = migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)
	if err != nil {
		return err
	}

	var current int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), -1) FROM schema_version`)
	if err = row.Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	for i := current + 1; i < len(entries); i++ {
		data, readErr := migrationFS.ReadFile("migrations/" + entries[i].Name())
		if readErr != nil {
			return fmt.Errorf("read migration %d: %w", i, readErr)
		}
		if _, execErr := db.Exec(string(data)); execErr != nil {
			return fmt.Errorf("migration %d: %w", i, execErr)
		}
		if _, execErr := db.Exec(`INSERT INTO schema_version (version) VALUES ($1)`, i); execErr != nil {
			return fmt.Errorf("migration %d record: %w", i, execErr)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session and prunes old ones.
func (s *Store) CreateSession(id, searchID, query, mode string) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, search_id, query, mode, started_at) VALUES ($1, $2, $3, $4, $5)`,
		id, searchID, query, mode, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`DELETE FROM sessions WHERE id NOT IN (SELECT id FROM sessions ORDER BY started_at DESC LIMIT $1)`,
		maxSessions,
	)
	return err
}

// EndSession sets the ended_at timestamp.
func (s *Store) EndSession(id string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET ended_at = $1 WHERE id = $2`,
		time.Now().UTC(), id,
	)
	return err
}

// CreatePump inserts a new pump in the running state.
func (s *Store) CreatePump(id, sessionID string) error {
	_, err := s.db.Exec(
		`INSERT INTO pumps (id, session_id, started_at, status) VALUES ($1, $2, $3, 'running')`,
		id, sessionID, time.Now().UTC(),
	)
	return err
}

// UpdatePump sets the pump's final fields.
func (s *Store) UpdatePump(id string, durationMs float64, framesForwarded int, status, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE pumps SET duration_ms = $1, frames_forwarded = $2, status = $3, error_msg = $4 WHERE id = $5`,
		durationMs, framesForwarded, status, errMsg, id,
	)
	return err
}

// CreateStageSpan inserts a stage span.
func (s *Store) CreateStageSpan(sp StageSpan) error {
	_, err := s.db.Exec(
		`INSERT INTO stage_spans (id, pump_id, stage, started_at, duration_ms, message, output, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sp.ID, sp.PumpID, sp.Stage, sp.StartedAt.UTC(),
		sp.DurationMs, sp.Message, sp.Output, sp.Status,
	)
	return err
}

// ListSessions returns sessions ordered newest first, with pump counts.
func (s *Store) ListSessions(limit, offset int) ([]Session, int, error) {
	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Query(`
		SELECT s.id, s.search_id, s.query, s.mode, s.started_at, s.ended_at, COUNT(p.id) as pump_count
		FROM sessions s
		LEFT JOIN pumps p ON p.session_id = s.id
		GROUP BY s.id
		ORDER BY s.started_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var endedAt sql.NullTime
		if err = rows.Scan(&sess.ID, &sess.SearchID, &sess.Query, &sess.Mode, &sess.StartedAt, &endedAt, &sess.PumpCount); err != nil {
			return nil, 0, err
		}
		if endedAt.Valid {
			sess.EndedAt = &endedAt.Time
		}
		sessions = append(sessions, sess)
	}
	return sessions, total, rows.Err()
}

// GetSession returns a single session with its pumps.
func (s *Store) GetSession(id string) (*Session, []Pump, error) {
	var sess Session
	var endedAt sql.NullTime
	err := s.db.QueryRow(
		`SELECT id, search_id, query, mode, started_at, ended_at FROM sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.SearchID, &sess.Query, &sess.Mode, &sess.StartedAt, &endedAt)
	if err != nil {
		return nil, nil, err
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}

	rows, err := s.db.Query(`
		SELECT p.id, p.session_id, p.started_at, p.duration_ms, p.frames_forwarded, p.status, p.error_msg,
		       COUNT(sp.id) as span_count
		FROM pumps p
		LEFT JOIN stage_spans sp ON sp.pump_id = p.id
		WHERE p.session_id = $1
		GROUP BY p.id
		ORDER BY p.started_at ASC
	`, id)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var pumps []Pump
	for rows.Next() {
		var p Pump
		if err = rows.Scan(&p.ID, &p.SessionID, &p.StartedAt, &p.DurationMs, &p.FramesForwarded, &p.Status, &p.Error, &p.SpanCount); err != nil {
			return nil, nil, err
		}
		pumps = append(pumps, p)
	}
	return &sess, pumps, rows.Err()
}

// GetPump returns a single pump with its stage spans.
func (s *Store) GetPump(sessionID, pumpID string) (*Pump, []StageSpan, error) {
	var p Pump
	err := s.db.QueryRow(
		`SELECT id, session_id, started_at, duration_ms, frames_forwarded, status, error_msg FROM pumps WHERE id = $1 AND session_id = $2`,
		pumpID, sessionID,
	).Scan(&p.ID, &p.SessionID, &p.StartedAt, &p.DurationMs, &p.FramesForwarded, &p.Status, &p.Error)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.Query(
		`SELECT id, pump_id, stage, started_at, duration_ms, message, output, status FROM stage_spans WHERE pump_id = $1 ORDER BY started_at ASC`,
		pumpID,
	)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var spans []StageSpan
	for rows.Next() {
		var sp StageSpan
		if err = rows.Scan(&sp.ID, &sp.PumpID, &sp.Stage, &sp.StartedAt, &sp.DurationMs, &sp.Message, &sp.Output, &sp.Status); err != nil {
			return nil, nil, err
		}
		spans = append(spans, sp)
	}
	return &p, spans, rows.Err()
}
