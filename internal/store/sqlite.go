package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kestrel-health/pumpcore/internal/pump"
	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" database/sql driver
)

const schema = `
CREATE TABLE IF NOT EXISTS pump_state (
	address              TEXT PRIMARY KEY,
	client_pump_key      BLOB NOT NULL,
	pump_client_key      BLOB NOT NULL,
	key_response_address INTEGER NOT NULL,
	pump_id              TEXT NOT NULL,
	current_tx_nonce     BLOB NOT NULL
);
`

// Sqlite is a PumpStateStore backed by a SQLite database, suited to
// installations with many paired pumps or that want transactional
// durability guarantees stronger than a rewrite-whole-file store.
type Sqlite struct {
	db *sql.DB
}

// NewSqlite opens (creating if needed) a SQLite database at path and
// ensures its schema exists.
func NewSqlite(path string) (*Sqlite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("new sqlite store: open %s: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("new sqlite store: migrate: %w", err)
	}

	return &Sqlite{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Sqlite) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sqlite store: close: %w", err)
	}

	return nil
}

// CreatePumpState inserts or replaces newly paired pump data with a zero
// TX nonce.
func (s *Sqlite) CreatePumpState(ctx context.Context, address string, data pump.InvariantPumpData) error {
	zeroNonce := make([]byte, pump.NonceSize)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pump_state (address, client_pump_key, pump_client_key, key_response_address, pump_id, current_tx_nonce)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			client_pump_key = excluded.client_pump_key,
			pump_client_key = excluded.pump_client_key,
			key_response_address = excluded.key_response_address,
			pump_id = excluded.pump_id,
			current_tx_nonce = excluded.current_tx_nonce
	`, address, data.ClientPumpKey[:], data.PumpClientKey[:], data.KeyResponseAddress, data.PumpID, zeroNonce)
	if err != nil {
		return fmt.Errorf("create pump state %q: %w", address, err)
	}

	return nil
}

// DeletePumpState removes a pump's persisted state, reporting whether it
// existed.
func (s *Sqlite) DeletePumpState(ctx context.Context, address string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pump_state WHERE address = ?`, address)
	if err != nil {
		return false, fmt.Errorf("delete pump state %q: %w", address, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete pump state %q: %w", address, err)
	}

	return n > 0, nil
}

// HasPumpState reports whether address has persisted pairing state.
func (s *Sqlite) HasPumpState(ctx context.Context, address string) (bool, error) {
	var exists bool

	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM pump_state WHERE address = ?)`, address).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has pump state %q: %w", address, err)
	}

	return exists, nil
}

// GetAvailablePumpStateAddresses returns every address with persisted
// state.
func (s *Sqlite) GetAvailablePumpStateAddresses(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address FROM pump_state`)
	if err != nil {
		return nil, fmt.Errorf("get available pump state addresses: %w", err)
	}
	defer rows.Close()

	var addrs []string

	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("get available pump state addresses: %w", err)
		}

		addrs = append(addrs, addr)
	}

	return addrs, rows.Err()
}

// GetInvariantPumpData returns the persisted cryptographic material and
// identity for address.
func (s *Sqlite) GetInvariantPumpData(ctx context.Context, address string) (pump.InvariantPumpData, error) {
	var cp, pc []byte
	var keyAddr byte
	var pumpID string

	err := s.db.QueryRowContext(ctx,
		`SELECT client_pump_key, pump_client_key, key_response_address, pump_id FROM pump_state WHERE address = ?`,
		address,
	).Scan(&cp, &pc, &keyAddr, &pumpID)

	if errors.Is(err, sql.ErrNoRows) {
		return pump.InvariantPumpData{}, fmt.Errorf("get invariant pump data %q: %w", address, ErrUnknownAddress)
	}
	if err != nil {
		return pump.InvariantPumpData{}, fmt.Errorf("get invariant pump data %q: %w", address, err)
	}

	var data pump.InvariantPumpData
	copy(data.ClientPumpKey[:], cp)
	copy(data.PumpClientKey[:], pc)
	data.KeyResponseAddress = keyAddr
	data.PumpID = pumpID

	return data, nil
}

// GetCurrentTxNonce returns the last persisted TX nonce for address.
func (s *Sqlite) GetCurrentTxNonce(ctx context.Context, address string) (pump.Nonce, error) {
	var raw []byte

	err := s.db.QueryRowContext(ctx, `SELECT current_tx_nonce FROM pump_state WHERE address = ?`, address).Scan(&raw)

	if errors.Is(err, sql.ErrNoRows) {
		return pump.Nonce{}, fmt.Errorf("get current tx nonce %q: %w", address, ErrUnknownAddress)
	}
	if err != nil {
		return pump.Nonce{}, fmt.Errorf("get current tx nonce %q: %w", address, err)
	}

	var nonce pump.Nonce
	copy(nonce[:], raw)

	return nonce, nil
}

// SetCurrentTxNonce durably records the TX nonce for address
// (spec §5: "write-ahead"); SQLite's transactional single-statement
// commit makes each UPDATE durable once ExecContext returns.
func (s *Sqlite) SetCurrentTxNonce(ctx context.Context, address string, nonce pump.Nonce) error {
	res, err := s.db.ExecContext(ctx, `UPDATE pump_state SET current_tx_nonce = ? WHERE address = ?`, nonce[:], address)
	if err != nil {
		return fmt.Errorf("set current tx nonce %q: %w", address, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set current tx nonce %q: %w", address, err)
	}

	if n == 0 {
		return fmt.Errorf("set current tx nonce %q: %w", address, ErrUnknownAddress)
	}

	return nil
}
