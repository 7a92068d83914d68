package source

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"
)

// Config holds the relational source connection settings
type Config struct {
	Driver       string // mysql or sqlite
	DSN          string
	PingAttempts int
	PingInterval time.Duration
	QueryTimeout time.Duration
	MaxOpenConns int
	ReadWorkers  int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Driver:       "mysql",
		PingAttempts: 5,
		PingInterval: 2 * time.Second,
		QueryTimeout: 2 * time.Minute,
		MaxOpenConns: 8,
		ReadWorkers:  4,
	}
}

// SQLSource reflects tables through database/sql
type SQLSource struct {
	db     *sql.DB
	cfg    Config
	logger *zap.Logger
}

var identRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Open connects to the source and pings it with bounded retries.
// Exhausting the retries returns ErrSourceUnavailable.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*SQLSource, error) {
	if cfg.PingAttempts <= 0 {
		cfg.PingAttempts = 1
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrSourceUnavailable, cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	for i := 0; i < cfg.PingAttempts; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err == nil {
			break
		}
		logger.Warn("Failed to reach source database, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		if i == cfg.PingAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			db.Close()
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, ctx.Err())
		case <-time.After(cfg.PingInterval):
		}
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping after %d attempts: %v", ErrSourceUnavailable, cfg.PingAttempts, err)
	}

	logger.Info("Source database connected", zap.String("driver", cfg.Driver))
	return &SQLSource{db: db, cfg: cfg, logger: logger.Named("source")}, nil
}

// NewSQLSource wraps an already opened database
func NewSQLSource(db *sql.DB, cfg Config, logger *zap.Logger) *SQLSource {
	return &SQLSource{db: db, cfg: cfg, logger: logger.Named("source")}
}

// Close closes the underlying pool
func (s *SQLSource) Close() error {
	return s.db.Close()
}

// Reflect reads the given tables concurrently. Missing expected columns
// become Null values plus one warning per column. A required table that
// cannot be read aborts the whole reflection.
func (s *SQLSource) Reflect(ctx context.Context, specs []TableSpec) (*Snapshot, error) {
	for _, spec := range specs {
		if !identRe.MatchString(spec.Name) {
			return nil, fmt.Errorf("invalid table name %q", spec.Name)
		}
	}

	snap := &Snapshot{Tables: make(map[string]*Table, len(specs))}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	workers := s.cfg.ReadWorkers
	if workers <= 0 {
		workers = 1
	}
	g.SetLimit(workers)

	for _, spec := range specs {
		spec := spec
		g.Go(func() error {
			table, warnings, err := s.readTable(gctx, spec)
			if err != nil {
				return err
			}
			mu.Lock()
			snap.Tables[spec.Name] = table
			snap.Warnings = append(snap.Warnings, warnings...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sortWarnings(snap.Warnings)
	return snap, nil
}

func (s *SQLSource) readTable(ctx context.Context, spec TableSpec) (*Table, []Warning, error) {
	qctx := ctx
	if s.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, s.cfg.QueryTimeout)
		defer cancel()
	}

	start := time.Now()
	rows, err := s.db.QueryContext(qctx, "SELECT * FROM "+spec.Name)
	if err != nil {
		if spec.Optional && s.db.PingContext(ctx) == nil {
			s.logger.Warn("Optional table not readable, treating as empty",
				zap.String("table", spec.Name),
				zap.Error(err))
			return &Table{Spec: spec, Missing: true}, []Warning{{
				Table:   spec.Name,
				Message: "optional table missing: " + err.Error(),
			}}, nil
		}
		return nil, nil, fmt.Errorf("%w: read table %s: %v", ErrSourceUnavailable, spec.Name, err)
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: column types of %s: %v", ErrSourceUnavailable, spec.Name, err)
	}
	columns := make([]string, len(types))
	dbTypes := make([]string, len(types))
	present := make(map[string]bool, len(types))
	for i, ct := range types {
		columns[i] = ct.Name()
		dbTypes[i] = strings.ToUpper(ct.DatabaseTypeName())
		present[ct.Name()] = true
	}

	var warnings []Warning
	for _, col := range spec.Columns {
		if !present[col] {
			warnings = append(warnings, Warning{Table: spec.Name, Column: col, Message: "expected column missing, read as null"})
		}
	}

	table := &Table{Spec: spec}
	raw := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("%w: scan %s: %v", ErrSourceUnavailable, spec.Name, err)
		}
		values := make([]Value, len(columns))
		for i, v := range raw {
			values[i] = normalize(v, dbTypes[i])
		}
		table.Rows = append(table.Rows, NewRow(spec.Name, columns, values))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: iterate %s: %v", ErrSourceUnavailable, spec.Name, err)
	}

	s.logger.Debug("Reflected table",
		zap.String("table", spec.Name),
		zap.Int("rows", len(table.Rows)),
		zap.Int("columns", len(columns)),
		zap.Duration("duration", time.Since(start)))
	return table, warnings, nil
}

// normalize converts a driver value into a typed scalar. MySQL returns
// DECIMAL and, without parseTime, DATETIME columns as []byte.
func normalize(v any, dbType string) Value {
	switch x := v.(type) {
	case nil:
		return Null()
	case int64:
		if dbType == "BOOL" || dbType == "BOOLEAN" {
			return BoolValue(x != 0)
		}
		return IntValue(x)
	case int32:
		return IntValue(int64(x))
	case int:
		return IntValue(int64(x))
	case uint64:
		// unsigned BIGINT past the signed range keeps its digits
		if x > math.MaxInt64 {
			return StringValue(strconv.FormatUint(x, 10))
		}
		return IntValue(int64(x))
	case uint32:
		return IntValue(int64(x))
	case float64:
		return FloatValue(x)
	case float32:
		return FloatValue(float64(x))
	case bool:
		return BoolValue(x)
	case time.Time:
		return TimeValue(x)
	case []byte:
		return normalizeText(string(x), dbType)
	case string:
		return normalizeText(x, dbType)
	}
	return StringValue(fmt.Sprint(v))
}

func normalizeText(s, dbType string) Value {
	switch {
	case strings.Contains(dbType, "INT"):
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return IntValue(i)
		}
	case dbType == "DECIMAL" || dbType == "NUMERIC" || dbType == "FLOAT" || dbType == "DOUBLE" || dbType == "REAL":
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return FloatValue(f)
		}
	case dbType == "DATETIME" || dbType == "TIMESTAMP" || dbType == "DATE":
		if t, ok := parseTime(s); ok {
			return TimeValue(t)
		}
	}
	return StringValue(s)
}

func sortWarnings(ws []Warning) {
	sort.Slice(ws, func(i, j int) bool { return ws[i].String() < ws[j].String() })
}
