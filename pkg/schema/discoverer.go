// Package schema discovers the structure of the source MySQL database
// and fetches rows for incremental synchronization.
package schema

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/syncforge/mirrorsync/pkg/config"
)

// ErrNotConnected is returned when an operation is attempted before Connect.
var ErrNotConnected = errors.New("not connected to source database")

// ErrTableNotFound is returned when a table is not in the discovery result.
var ErrTableNotFound = errors.New("table not found")

// ConnectionError indicates the source database is unreachable or the
// pool could not be established. It carries the underlying cause.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("source connection failed: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Discoverer owns the pooled connection to the source database and
// exposes schema discovery, sample, count and incremental row fetches.
type Discoverer struct {
	cfg    *config.SourceConfig
	logger *zap.Logger

	mu     sync.RWMutex
	db     *sql.DB
	tables map[string]*TableDescriptor
}

// NewDiscoverer creates a Discoverer for the given source configuration.
func NewDiscoverer(cfg *config.SourceConfig, logger *zap.Logger) *Discoverer {
	return &Discoverer{
		cfg:    cfg,
		logger: logger,
		tables: make(map[string]*TableDescriptor),
	}
}

// Connect establishes the connection pool. It is idempotent: if the
// pool already exists and responds to a ping, nothing happens.
func (d *Discoverer) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connectLocked(ctx)
}

func (d *Discoverer) connectLocked(ctx context.Context) error {
	if d.db != nil {
		pingCtx, cancel := context.WithTimeout(ctx, d.cfg.PoolTimeout)
		defer cancel()
		if err := d.db.PingContext(pingCtx); err == nil {
			return nil
		}
		_ = d.db.Close()
		d.db = nil
	}

	dsnCfg := mysql.NewConfig()
	dsnCfg.User = d.cfg.User
	dsnCfg.Passwd = d.cfg.Password
	dsnCfg.Net = "tcp"
	dsnCfg.Addr = fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port)
	dsnCfg.DBName = d.cfg.Database
	dsnCfg.Timeout = d.cfg.PoolTimeout
	dsnCfg.ParseTime = true
	dsnCfg.Params = map[string]string{"charset": d.cfg.Charset}

	db, err := sql.Open("mysql", dsnCfg.FormatDSN())
	if err != nil {
		return &ConnectionError{Err: err}
	}

	db.SetMaxOpenConns(d.cfg.MaxPoolSize)
	db.SetMaxIdleConns(d.cfg.MinPoolSize)
	db.SetConnMaxLifetime(d.cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, d.cfg.PoolTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return &ConnectionError{Err: err}
	}

	d.db = db
	d.logger.Info("Connected to source database",
		zap.String("host", d.cfg.Host),
		zap.String("database", d.cfg.Database))
	return nil
}

// Close closes the connection pool.
func (d *Discoverer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

// Ping verifies the source database is reachable.
func (d *Discoverer) Ping(ctx context.Context) error {
	d.mu.RLock()
	db := d.db
	d.mu.RUnlock()
	if db == nil {
		return ErrNotConnected
	}
	pingCtx, cancel := context.WithTimeout(ctx, d.cfg.PoolTimeout)
	defer cancel()
	return db.PingContext(pingCtx)
}

// pool returns the live pool handle or ErrNotConnected.
func (d *Discoverer) pool() (*sql.DB, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, ErrNotConnected
	}
	return d.db, nil
}

// withReconnect runs op and, if it fails due to a dropped connection,
// re-establishes the pool once and retries the same operation exactly once.
func (d *Discoverer) withReconnect(ctx context.Context, op func(db *sql.DB) error) error {
	db, err := d.pool()
	if err != nil {
		return err
	}
	err = op(db)
	if err == nil || !isConnErr(err) {
		return err
	}

	d.logger.Warn("Source connection lost, reconnecting", zap.Error(err))
	d.mu.Lock()
	rcErr := d.connectLocked(ctx)
	db = d.db
	d.mu.Unlock()
	if rcErr != nil {
		return rcErr
	}
	return op(db)
}

func isConnErr(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// DiscoverAllTables lists every table in the source database and
// inspects its columns, primary key and timestamp columns. A table
// whose structure cannot be read is logged and skipped.
func (d *Discoverer) DiscoverAllTables(ctx context.Context) (map[string]*TableDescriptor, error) {
	var names []string
	err := d.withReconnect(ctx, func(db *sql.DB) error {
		queryCtx, cancel := context.WithTimeout(ctx, d.cfg.QueryTimeout)
		defer cancel()

		rows, err := db.QueryContext(queryCtx, "SHOW TABLES")
		if err != nil {
			return fmt.Errorf("list tables: %w", err)
		}
		defer rows.Close()

		names = names[:0]
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return fmt.Errorf("scan table name: %w", err)
			}
			names = append(names, name)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	discovered := make(map[string]*TableDescriptor, len(names))
	for _, name := range names {
		td, err := d.analyzeTable(ctx, name)
		if err != nil {
			d.logger.Warn("Failed to analyze table, skipping",
				zap.String("table", name), zap.Error(err))
			continue
		}
		discovered[name] = td
	}

	d.mu.Lock()
	d.tables = discovered
	d.mu.Unlock()

	d.logger.Info("Table discovery completed", zap.Int("tables", len(discovered)))
	return copyDescriptors(discovered), nil
}

func (d *Discoverer) analyzeTable(ctx context.Context, name string) (*TableDescriptor, error) {
	td := &TableDescriptor{Name: name}

	err := d.withReconnect(ctx, func(db *sql.DB) error {
		queryCtx, cancel := context.WithTimeout(ctx, d.cfg.QueryTimeout)
		defer cancel()

		rows, err := db.QueryContext(queryCtx, "DESCRIBE "+quoteIdent(name))
		if err != nil {
			return err
		}
		defer rows.Close()

		td.Columns = td.Columns[:0]
		td.PrimaryKey, td.CreatedAtColumn, td.UpdatedAtColumn = "", "", ""

		for rows.Next() {
			var field, colType, null, key string
			var def, extra sql.NullString
			if err := rows.Scan(&field, &colType, &null, &key, &def, &extra); err != nil {
				return err
			}

			td.Columns = append(td.Columns, Column{Name: field, Type: colType})
			if key == "PRI" && td.PrimaryKey == "" {
				td.PrimaryKey = field
			}

			lower := strings.ToLower(field)
			if isCreatedAtName(lower) && td.CreatedAtColumn == "" {
				td.CreatedAtColumn = field
			} else if isUpdatedAtName(lower) && td.UpdatedAtColumn == "" {
				td.UpdatedAtColumn = field
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return td, nil
}

// TablesWithTimestamps filters the discovery result to tables eligible
// for incremental sync. Discovery runs first if it has not yet.
func (d *Discoverer) TablesWithTimestamps(ctx context.Context) (map[string]*TableDescriptor, error) {
	d.mu.RLock()
	empty := len(d.tables) == 0
	d.mu.RUnlock()

	if empty {
		if _, err := d.DiscoverAllTables(ctx); err != nil {
			return nil, err
		}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	eligible := make(map[string]*TableDescriptor)
	for name, td := range d.tables {
		if td.HasTimestamps() {
			eligible[name] = td
		}
	}
	return copyDescriptors(eligible), nil
}

// Descriptor returns the descriptor for a previously discovered table.
func (d *Discoverer) Descriptor(table string) (*TableDescriptor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	td, ok := d.tables[table]
	return td, ok
}

// SampleRows returns up to limit rows from a table for inspection.
func (d *Discoverer) SampleRows(ctx context.Context, table string, limit int) ([]map[string]any, error) {
	if _, ok := d.Descriptor(table); !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}

	var result []map[string]any
	err := d.withReconnect(ctx, func(db *sql.DB) error {
		queryCtx, cancel := context.WithTimeout(ctx, d.cfg.QueryTimeout)
		defer cancel()

		rows, err := db.QueryContext(queryCtx,
			fmt.Sprintf("SELECT * FROM %s LIMIT ?", quoteIdent(table)), limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		result, err = scanRows(rows)
		return err
	})
	return result, err
}

// CountRows returns the total row count of a table.
func (d *Discoverer) CountRows(ctx context.Context, table string) (int64, error) {
	if _, ok := d.Descriptor(table); !ok {
		return 0, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}

	var count int64
	err := d.withReconnect(ctx, func(db *sql.DB) error {
		queryCtx, cancel := context.WithTimeout(ctx, d.cfg.QueryTimeout)
		defer cancel()
		return db.QueryRowContext(queryCtx,
			fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(table))).Scan(&count)
	})
	return count, err
}

// IncrementalRows fetches up to limit rows changed since the given
// timestamp, skipping offset rows. A nil since means a full fetch.
func (d *Discoverer) IncrementalRows(ctx context.Context, td *TableDescriptor, since *time.Time, limit, offset int) ([]map[string]any, error) {
	query, args := buildIncrementalQuery(td, since, limit, offset)

	var result []map[string]any
	err := d.withReconnect(ctx, func(db *sql.DB) error {
		queryCtx, cancel := context.WithTimeout(ctx, d.cfg.QueryTimeout)
		defer cancel()

		rows, err := db.QueryContext(queryCtx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		result, err = scanRows(rows)
		return err
	})
	return result, err
}

// buildIncrementalQuery builds the bounded fetch for a table, filtering
// on whichever timestamp columns exist when since is set.
func buildIncrementalQuery(td *TableDescriptor, since *time.Time, limit, offset int) (string, []any) {
	var sb strings.Builder
	var args []any

	sb.WriteString("SELECT * FROM ")
	sb.WriteString(quoteIdent(td.Name))

	if since != nil {
		var conds []string
		if td.CreatedAtColumn != "" {
			conds = append(conds, quoteIdent(td.CreatedAtColumn)+" > ?")
			args = append(args, *since)
		}
		if td.UpdatedAtColumn != "" && td.UpdatedAtColumn != td.CreatedAtColumn {
			conds = append(conds, quoteIdent(td.UpdatedAtColumn)+" > ?")
			args = append(args, *since)
		}
		if len(conds) > 0 {
			sb.WriteString(" WHERE (")
			sb.WriteString(strings.Join(conds, " OR "))
			sb.WriteString(")")
		}
	}

	// Deterministic order so batch offsets do not shuffle between fetches.
	if td.PrimaryKey != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(quoteIdent(td.PrimaryKey))
	}

	sb.WriteString(" LIMIT ?")
	args = append(args, limit)
	if offset > 0 {
		sb.WriteString(" OFFSET ?")
		args = append(args, offset)
	}

	return sb.String(), args
}

// ForeignKeys returns the foreign-key relationships of a table.
func (d *Discoverer) ForeignKeys(ctx context.Context, table string) ([]ForeignKey, error) {
	const query = `
		SELECT COLUMN_NAME, REFERENCED_TABLE_NAME, REFERENCED_COLUMN_NAME
		FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND REFERENCED_TABLE_NAME IS NOT NULL`

	var fks []ForeignKey
	err := d.withReconnect(ctx, func(db *sql.DB) error {
		queryCtx, cancel := context.WithTimeout(ctx, d.cfg.QueryTimeout)
		defer cancel()

		rows, err := db.QueryContext(queryCtx, query, d.cfg.Database, table)
		if err != nil {
			return err
		}
		defer rows.Close()

		fks = fks[:0]
		for rows.Next() {
			var fk ForeignKey
			if err := rows.Scan(&fk.Column, &fk.ReferencedTable, &fk.ReferencedColumn); err != nil {
				return err
			}
			fks = append(fks, fk)
		}
		return rows.Err()
	})
	return fks, err
}

// scanRows scans a dynamic result set into maps, decoding driver values
// according to the declared column types.
func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = decodeValue(values[i], colTypes[i].DatabaseTypeName())
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// decodeValue converts the raw driver value into a typed Go value.
// MySQL's text protocol hands back most scalars as []byte.
func decodeValue(v any, dbType string) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}

	s := string(b)
	switch strings.ToUpper(dbType) {
	case "DECIMAL", "NUMERIC":
		if dec, err := decimal.NewFromString(s); err == nil {
			return dec
		}
		return s
	case "TINYINT", "SMALLINT", "MEDIUMINT", "INT", "BIGINT", "YEAR":
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		return s
	case "FLOAT", "DOUBLE":
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
		return s
	case "JSON":
		var parsed any
		if err := json.Unmarshal(b, &parsed); err == nil {
			return parsed
		}
		return s
	case "BINARY", "VARBINARY", "BLOB", "TINYBLOB", "MEDIUMBLOB", "LONGBLOB", "BIT":
		return b
	default:
		return s
	}
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func copyDescriptors(in map[string]*TableDescriptor) map[string]*TableDescriptor {
	out := make(map[string]*TableDescriptor, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// SortedNames returns the table names of a discovery result in a
// fixed, deterministic order.
func SortedNames(tables map[string]*TableDescriptor) []string {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
