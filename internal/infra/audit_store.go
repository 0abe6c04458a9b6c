package infra

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/resticd/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

const auditDBName = "audit.db"

// AuditStore persists the security operation trail in a SQLCipher
// encrypted SQLite database. Rows are append-only; nothing in the
// daemon ever updates or deletes them.
type AuditStore struct {
	db     *sql.DB
	dbPath string
}

// NewAuditStore opens (or creates) the encrypted audit database.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewAuditStore(dataDir string, key []byte) (*AuditStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, auditDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	store := &AuditStore{db: db, dbPath: dbPath}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}

// createTables creates the schema if it doesn't exist.
func (s *AuditStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS security_operations (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		op_type TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT DEFAULT '',
		recorded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ops_recorded_at
		ON security_operations(recorded_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append inserts one record.
func (s *AuditStore) Append(rec domain.SecurityOperationRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO security_operations (id, path, op_type, status, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.Path, string(rec.Type), string(rec.Status),
		rec.Error, rec.Timestamp.Unix(),
	)
	return err
}

// Count returns the total number of persisted records.
func (s *AuditStore) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM security_operations`).Scan(&n)
	return n, err
}

// Recent returns up to limit records, newest first.
func (s *AuditStore) Recent(limit int) ([]domain.SecurityOperationRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, path, op_type, status, error, recorded_at
		FROM security_operations
		ORDER BY recorded_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SecurityOperationRecord
	for rows.Next() {
		var rec domain.SecurityOperationRecord
		var id, opType, status string
		var ts int64
		if err := rows.Scan(&id, &rec.Path, &opType, &status, &rec.Error, &ts); err != nil {
			return nil, err
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, err
		}
		rec.ID = parsed
		rec.Type = domain.OperationType(opType)
		rec.Status = domain.OperationStatus(status)
		rec.Timestamp = time.Unix(ts, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// StorePath returns the database file path.
func (s *AuditStore) StorePath() string {
	return s.dbPath
}

// Close releases the database connection.
func (s *AuditStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
