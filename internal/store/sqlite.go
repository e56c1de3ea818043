package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gigbridge/engine/internal/domain"
	_ "modernc.org/sqlite"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db       *sql.DB
	appendMu sync.Mutex // serializes transcript appends to keep the monotonic clamp race-free
}

// NewSQLite creates a new SQLite-backed store.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		token TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		turn_index INTEGER NOT NULL DEFAULT 0,
		total_turns INTEGER NOT NULL DEFAULT 0,
		questions_json TEXT,
		duration_seconds INTEGER NOT NULL,
		voice_enabled INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER,
		last_activity_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_token TEXT NOT NULL,
		role TEXT NOT NULL,
		msg_type TEXT NOT NULL,
		content TEXT NOT NULL,
		question_index INTEGER,
		tool_call_id TEXT,
		tool_calls_json TEXT,
		created_at_ns INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_token, created_at_ns);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateSession inserts a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	var questionsJSON interface{}
	if len(session.Questions) > 0 {
		data, err := json.Marshal(session.Questions)
		if err != nil {
			return fmt.Errorf("marshal questions: %w", err)
		}
		questionsJSON = string(data)
	}

	var startedAt interface{}
	if !session.StartedAt.IsZero() {
		startedAt = session.StartedAt.Unix()
	}

	query := `
	INSERT INTO sessions (
		token, mode, status, turn_index, total_turns, questions_json,
		duration_seconds, voice_enabled, started_at, last_activity_at,
		created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	now := time.Now()
	_, err := s.db.ExecContext(ctx, query,
		session.Token, string(session.Mode), string(session.Status),
		session.TurnIndex, session.TotalTurns, questionsJSON,
		int64(session.Duration.Seconds()), session.VoiceEnabled, startedAt,
		session.LastActivityAt.Unix(), now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by token.
func (s *SQLiteStore) GetSession(ctx context.Context, token string) (*domain.Session, error) {
	query := `
		SELECT token, mode, status, turn_index, total_turns, questions_json,
		       duration_seconds, voice_enabled, started_at, last_activity_at,
		       created_at, updated_at
		FROM sessions WHERE token = ?`

	row := s.db.QueryRowContext(ctx, query, token)

	var session domain.Session
	var mode, status string
	var questionsJSON sql.NullString
	var durationSeconds int64
	var startedAt sql.NullInt64
	var lastActivity, createdAt, updatedAt int64

	err := row.Scan(
		&session.Token, &mode, &status, &session.TurnIndex, &session.TotalTurns,
		&questionsJSON, &durationSeconds, &session.VoiceEnabled, &startedAt,
		&lastActivity, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	session.Mode = domain.Mode(mode)
	session.Status = domain.Status(status)
	session.Duration = time.Duration(durationSeconds) * time.Second
	session.LastActivityAt = time.Unix(lastActivity, 0)
	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)
	if startedAt.Valid {
		session.StartedAt = time.Unix(startedAt.Int64, 0)
	}
	if questionsJSON.Valid && questionsJSON.String != "" {
		if err := json.Unmarshal([]byte(questionsJSON.String), &session.Questions); err != nil {
			return nil, fmt.Errorf("unmarshal questions: %w", err)
		}
	}

	return &session, nil
}

// UpdateSessionStatus sets the lifecycle status for a session.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, token string, status domain.Status) error {
	query := `UPDATE sessions SET status = ?, updated_at = ? WHERE token = ?`
	result, err := s.db.ExecContext(ctx, query, string(status), time.Now().Unix(), token)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateSessionStatus affected 0 rows", "token", token, "status", status)
	}
	return nil
}

// ClaimTerminal atomically moves a session to a terminal status. The
// conditional update decides the winner when termination paths race: only
// the write that found the row non-terminal affects it.
func (s *SQLiteStore) ClaimTerminal(ctx context.Context, token string, status domain.Status) (bool, error) {
	query := `UPDATE sessions SET status = ?, updated_at = ? WHERE token = ? AND status NOT IN (?, ?, ?)`
	result, err := s.db.ExecContext(ctx, query,
		string(status), time.Now().Unix(), token,
		string(domain.StatusCompleted), string(domain.StatusAbandoned), string(domain.StatusExpired),
	)
	if err != nil {
		return false, fmt.Errorf("claim terminal status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// MarkSessionStarted records the wall-clock start. The first start wins so
// a reconnection never moves the deadline.
func (s *SQLiteStore) MarkSessionStarted(ctx context.Context, token string, startedAt time.Time) error {
	query := `UPDATE sessions SET started_at = ?, updated_at = ? WHERE token = ? AND started_at IS NULL`
	if _, err := s.db.ExecContext(ctx, query, startedAt.Unix(), time.Now().Unix(), token); err != nil {
		return fmt.Errorf("mark session started: %w", err)
	}
	return nil
}

// UpdateSessionProgress persists the turn index and total turn count.
func (s *SQLiteStore) UpdateSessionProgress(ctx context.Context, token string, turnIndex, totalTurns int) error {
	query := `UPDATE sessions SET turn_index = ?, total_turns = ?, updated_at = ? WHERE token = ?`
	if _, err := s.db.ExecContext(ctx, query, turnIndex, totalTurns, time.Now().Unix(), token); err != nil {
		return fmt.Errorf("update session progress: %w", err)
	}
	return nil
}

// TouchSession refreshes the last-activity timestamp.
func (s *SQLiteStore) TouchSession(ctx context.Context, token string, at time.Time) error {
	query := `UPDATE sessions SET last_activity_at = ?, updated_at = ? WHERE token = ?`
	if _, err := s.db.ExecContext(ctx, query, at.Unix(), time.Now().Unix(), token); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// Append adds a message to the transcript with a per-session monotonic
// timestamp. Retries on SQLITE_BUSY with exponential backoff since the
// chat loop and the orchestrator's background persistence can collide.
func (s *SQLiteStore) Append(ctx context.Context, msg *domain.Message) (int64, error) {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	var id int64
	var err error
	for i := 0; i < maxRetries; i++ {
		id, err = s.appendOnce(ctx, msg)
		if err == nil {
			return id, nil
		}
		if isSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("transcript append hit SQLITE_BUSY, retrying",
				"token", msg.SessionToken,
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
			continue
		}
		break
	}
	return 0, fmt.Errorf("append message for %s: %w", msg.SessionToken, err)
}

func (s *SQLiteStore) appendOnce(ctx context.Context, msg *domain.Message) (int64, error) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var lastNs int64
	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(created_at_ns), 0) FROM messages WHERE session_token = ?`,
		msg.SessionToken)
	if err := row.Scan(&lastNs); err != nil {
		return 0, fmt.Errorf("scan last timestamp: %w", err)
	}

	ns := time.Now().UnixNano()
	if ns <= lastNs {
		ns = lastNs + 1
	}

	var questionIndex interface{}
	if msg.QuestionIndex != nil {
		questionIndex = *msg.QuestionIndex
	}
	var toolCallID interface{}
	if msg.ToolCallID != "" {
		toolCallID = msg.ToolCallID
	}
	var toolCallsJSON interface{}
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return 0, fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCallsJSON = string(data)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO messages (session_token, role, msg_type, content, question_index, tool_call_id, tool_calls_json, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.SessionToken, string(msg.Role), string(msg.Type), msg.Content,
		questionIndex, toolCallID, toolCallsJSON, ns,
	)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append tx: %w", err)
	}

	msg.ID = id
	msg.CreatedAt = time.Unix(0, ns)
	return id, nil
}

// FindLatestByRole returns the most recent message for a session and role,
// optionally narrowed to one question index.
func (s *SQLiteStore) FindLatestByRole(ctx context.Context, token string, role domain.Role, questionIndex *int) (*domain.Message, error) {
	query := `
		SELECT id, session_token, role, msg_type, content, question_index, tool_call_id, tool_calls_json, created_at_ns
		FROM messages WHERE session_token = ? AND role = ?`
	args := []interface{}{token, string(role)}

	if questionIndex != nil {
		query += ` AND question_index = ?`
		args = append(args, *questionIndex)
	}
	query += ` ORDER BY created_at_ns DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)
	msg, err := scanMessage(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan latest message: %w", err)
	}
	return msg, nil
}

// UpdateContent replaces a message's content (addition merge only).
func (s *SQLiteStore) UpdateContent(ctx context.Context, id int64, content string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE messages SET content = ? WHERE id = ?`, content, id)
	if err != nil {
		return fmt.Errorf("update message content: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("message %d not found", id)
	}
	return nil
}

// ListMessages returns the full ordered transcript for a session.
func (s *SQLiteStore) ListMessages(ctx context.Context, token string) ([]*domain.Message, error) {
	query := `
		SELECT id, session_token, role, msg_type, content, question_index, tool_call_id, tool_calls_json, created_at_ns
		FROM messages WHERE session_token = ? ORDER BY created_at_ns ASC`

	rows, err := s.db.QueryContext(ctx, query, token)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var messages []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

func scanMessage(scan func(dest ...interface{}) error) (*domain.Message, error) {
	var msg domain.Message
	var role, msgType string
	var questionIndex sql.NullInt64
	var toolCallID, toolCallsJSON sql.NullString
	var createdNs int64

	err := scan(
		&msg.ID, &msg.SessionToken, &role, &msgType, &msg.Content,
		&questionIndex, &toolCallID, &toolCallsJSON, &createdNs,
	)
	if err != nil {
		return nil, err
	}

	msg.Role = domain.Role(role)
	msg.Type = domain.MessageType(msgType)
	msg.CreatedAt = time.Unix(0, createdNs)
	if questionIndex.Valid {
		qi := int(questionIndex.Int64)
		msg.QuestionIndex = &qi
	}
	msg.ToolCallID = toolCallID.String
	if toolCallsJSON.Valid && toolCallsJSON.String != "" {
		if err := json.Unmarshal([]byte(toolCallsJSON.String), &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("unmarshal tool calls: %w", err)
		}
	}
	return &msg, nil
}
