package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const schema = `
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		id_lower TEXT NOT NULL,
		customer_name TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		phone_digits TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		account_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		total INTEGER NOT NULL DEFAULT 0,
		items TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_orders_created ON orders(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_orders_account ON orders(account_id);
`

const selectColumns = `id, customer_name, phone, email, account_id, status, total, items, created_at`

// SQLiteDirectory serves orders from a SQLite database.
type SQLiteDirectory struct {
	db     *sql.DB
	logger zerolog.Logger
}

// OpenSQLite opens (and if needed creates) the order database at path.
func OpenSQLite(path string, logger *zerolog.Logger) (*SQLiteDirectory, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	l := log.Logger
	if logger != nil {
		l = *logger
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	l.Debug().Str("path", path).Msg("Order directory opened")
	return &SQLiteDirectory{db: db, logger: l}, nil
}

// Close closes the database.
func (d *SQLiteDirectory) Close() error {
	return d.db.Close()
}

// Import upserts orders in one transaction and returns how many were written.
func (d *SQLiteDirectory) Import(ctx context.Context, list []Order) (int, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin import: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO orders
			(id, id_lower, customer_name, phone, phone_digits, email, account_id, status, total, items, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare import: %w", err)
	}
	defer stmt.Close()

	for _, o := range list {
		items, err := json.Marshal(o.Items)
		if err != nil {
			return 0, fmt.Errorf("failed to encode items of %s: %w", o.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			o.ID, strings.ToLower(o.ID), o.CustomerName, o.Phone, PhoneDigits(o.Phone),
			o.Email, o.AccountID, o.Status, o.Total, string(items), o.CreatedAt.UnixNano(),
		); err != nil {
			return 0, fmt.Errorf("failed to import order %s: %w", o.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit import: %w", err)
	}
	d.logger.Info().Int("orders", len(list)).Msg("Orders imported")
	return len(list), nil
}

func (d *SQLiteDirectory) FindByOrderIDSuffix(ctx context.Context, fragment string) (*Order, error) {
	frag := NormalizeOrderID(fragment)
	if frag == "" {
		return nil, nil
	}

	row := d.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM orders WHERE id_lower LIKE ? ESCAPE '\' ORDER BY created_at DESC LIMIT 1`,
		"%"+escapeLike(frag),
	)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up order %q: %w", frag, err)
	}
	return &o, nil
}

func (d *SQLiteDirectory) FindByIdentifier(ctx context.Context, identifier string) ([]Order, error) {
	q := parseIdentifier(identifier)
	if q.empty() {
		return nil, nil
	}

	clauses := []string{"(account_id != '' AND account_id = ?)"}
	args := []any{q.raw}
	if q.phone != "" {
		clauses = append(clauses, `phone_digits LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(q.phone)+"%")
	}
	if len(q.lower) >= minEmailChars {
		clauses = append(clauses, `(email != '' AND lower(email) LIKE ? ESCAPE '\')`)
		args = append(args, "%"+escapeLike(q.lower)+"%")
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM orders WHERE `+strings.Join(clauses, " OR ")+` ORDER BY created_at DESC, id`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (Order, error) {
	var (
		o       Order
		items   string
		created int64
	)
	if err := s.Scan(&o.ID, &o.CustomerName, &o.Phone, &o.Email, &o.AccountID, &o.Status, &o.Total, &items, &created); err != nil {
		return Order{}, err
	}
	if err := json.Unmarshal([]byte(items), &o.Items); err != nil {
		return Order{}, fmt.Errorf("corrupt items for %s: %w", o.ID, err)
	}
	o.CreatedAt = time.Unix(0, created).UTC()
	return o, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
