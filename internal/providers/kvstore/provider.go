// Package kvstore implements a persistence capability provider backed
// by SQLite, grounded on the teacher's usage.Store (append-only
// database/sql store with WAL mode and an explicit migrate step), here
// generalized from a single usage_records table into a general
// key/value capability an agent can call through the Broker.
package kvstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/nugget/loom/internal/loomevent"
)

// Capability names this provider registers.
const (
	CapGet    = "kv.get"
	CapPut    = "kv.put"
	CapDelete = "kv.delete"
)

type putRequest struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type getRequest struct {
	Key string `json:"key"`
}

type deleteRequest struct {
	Key string `json:"key"`
}

// Provider is a broker.Provider backed by a single SQLite table. One
// Provider instance serves all three capabilities; Invoke dispatches
// each capability name to the matching handler.
type Provider struct {
	db *sql.DB
}

// Open opens (creating if needed) a SQLite database at path and runs
// its migration.
func Open(path string) (*Provider, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open kvstore database: %w", err)
	}

	p := &Provider{db: db}
	if err := p.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate kvstore schema: %w", err)
	}
	return p, nil
}

// Close closes the underlying database connection.
func (p *Provider) Close() error {
	return p.db.Close()
}

func (p *Provider) migrate() error {
	_, err := p.db.Exec(`
	CREATE TABLE IF NOT EXISTS kv_entries (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);`)
	return err
}

// Invoke implements broker.Provider, dispatching on call.Name to one
// of Get/Put/Delete.
func (p *Provider) Invoke(ctx context.Context, call loomevent.Call) (loomevent.Result, error) {
	switch call.Name {
	case CapGet:
		return p.handleGet(ctx, call)
	case CapPut:
		return p.handlePut(ctx, call)
	case CapDelete:
		return p.handleDelete(ctx, call)
	default:
		return loomevent.Result{}, fmt.Errorf("kvstore: unknown capability %q", call.Name)
	}
}

func (p *Provider) handleGet(ctx context.Context, call loomevent.Call) (loomevent.Result, error) {
	var req getRequest
	if err := json.Unmarshal(call.Arguments, &req); err != nil {
		return loomevent.Result{Status: loomevent.StatusInvalidArguments}, nil
	}

	var value []byte
	err := p.db.QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE key = ?`, req.Key).Scan(&value)
	if err == sql.ErrNoRows {
		return loomevent.Result{Status: loomevent.StatusNotFound}, nil
	}
	if err != nil {
		return loomevent.Result{}, fmt.Errorf("kvstore get: %w", err)
	}
	return loomevent.Result{Status: loomevent.StatusOk, Output: value}, nil
}

func (p *Provider) handlePut(ctx context.Context, call loomevent.Call) (loomevent.Result, error) {
	var req putRequest
	if err := json.Unmarshal(call.Arguments, &req); err != nil || req.Key == "" {
		return loomevent.Result{Status: loomevent.StatusInvalidArguments}, nil
	}

	_, err := p.db.ExecContext(ctx,
		`INSERT INTO kv_entries (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		req.Key, []byte(req.Value))
	if err != nil {
		return loomevent.Result{}, fmt.Errorf("kvstore put: %w", err)
	}
	return loomevent.Result{Status: loomevent.StatusOk}, nil
}

func (p *Provider) handleDelete(ctx context.Context, call loomevent.Call) (loomevent.Result, error) {
	var req deleteRequest
	if err := json.Unmarshal(call.Arguments, &req); err != nil || req.Key == "" {
		return loomevent.Result{Status: loomevent.StatusInvalidArguments}, nil
	}

	res, err := p.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, req.Key)
	if err != nil {
		return loomevent.Result{}, fmt.Errorf("kvstore delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return loomevent.Result{Status: loomevent.StatusNotFound}, nil
	}
	return loomevent.Result{Status: loomevent.StatusOk}, nil
}

// Descriptors returns the Descriptor for each capability this provider
// serves, for convenient bulk registration against a Broker.
func Descriptors() []loomevent.Descriptor {
	return []loomevent.Descriptor{
		{Name: CapGet, Version: "v1", ProviderKind: loomevent.Native, Idempotent: true},
		{Name: CapPut, Version: "v1", ProviderKind: loomevent.Native, Idempotent: true},
		{Name: CapDelete, Version: "v1", ProviderKind: loomevent.Native, Idempotent: true},
	}
}
