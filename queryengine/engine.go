package queryengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // mysql driver
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	"github.com/kbukum/modelrun/logger"
	"github.com/kbukum/modelrun/observability"
)

// Config configures the source database the engine queries.
type Config struct {
	// Driver is the database/sql driver name: postgres, mysql or sqlite3.
	Driver string `mapstructure:"driver" validate:"required,oneof=postgres mysql sqlite3"`
	// DSN is the source connection string.
	DSN string `mapstructure:"dsn" validate:"required"`
	// RowsPerPart is the number of rows in one output part.
	RowsPerPart int `mapstructure:"rows_per_part" validate:"gte=0"`
	// MaxRows caps the rows a single materialization may produce. Zero means no cap.
	MaxRows int64 `mapstructure:"max_rows" validate:"gte=0"`
	// QueryTimeout bounds one query execution. Zero means no timeout.
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
	// MaxOpenConns bounds concurrent source connections.
	MaxOpenConns int `mapstructure:"max_open_conns" validate:"gte=0"`
}

// ApplyDefaults sets sensible defaults for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite3"
	}
	if c.RowsPerPart <= 0 {
		c.RowsPerPart = 10000
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
}

// SQLEngine executes model queries against a database/sql source.
type SQLEngine struct {
	db  *sqlx.DB
	cfg Config
	log *logger.Logger
}

// Open connects to the source database.
func Open(ctx context.Context, cfg Config, log *logger.Logger) (*SQLEngine, error) {
	cfg.ApplyDefaults()
	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("queryengine: open %s: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queryengine: ping %s: %w", cfg.Driver, err)
	}
	return New(db, cfg, log), nil
}

// New wraps an open connection.
func New(db *sqlx.DB, cfg Config, log *logger.Logger) *SQLEngine {
	cfg.ApplyDefaults()
	return &SQLEngine{db: db, cfg: cfg, log: log.WithComponent("queryengine")}
}

// Close closes the source connection pool.
func (e *SQLEngine) Close() error { return e.db.Close() }

// CheckHealth pings the source database.
func (e *SQLEngine) CheckHealth(ctx context.Context) observability.Health {
	return observability.Probe(ctx, "source", e.db.PingContext)
}

// Execute runs req.Query and streams coerced rows into req.Sink as
// newline-delimited JSON parts. At least one part is written, so an empty
// result still produces output.
func (e *SQLEngine) Execute(ctx context.Context, req Request) (*Output, error) {
	if e.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.QueryTimeout)
		defer cancel()
	}
	start := time.Now()

	rows, err := e.db.QueryxContext(ctx, req.Query)
	if err != nil {
		return nil, classify(fmt.Errorf("query %s: %w", req.Label, err))
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, classify(err)
	}
	positions, err := resolveColumns(req.Columns, names)
	if err != nil {
		return nil, err
	}

	var (
		out  Output
		buf  bytes.Buffer
		part int
	)
	flush := func() error {
		if err := req.Sink.WritePart(ctx, out.Parts, bytes.NewReader(buf.Bytes())); err != nil {
			return fmt.Errorf("write part %d of %s: %w", out.Parts, req.Label, err)
		}
		out.Parts++
		buf.Reset()
		part = 0
		return nil
	}

	for rows.Next() {
		values, err := rows.SliceScan()
		if err != nil {
			return nil, classify(err)
		}
		out.Rows++
		if e.cfg.MaxRows > 0 && out.Rows > e.cfg.MaxRows {
			return nil, fmt.Errorf("%w: %s produced more than %d rows", ErrResourceLimit, req.Label, e.cfg.MaxRows)
		}
		if err := encodeRow(&buf, req.Columns, positions, values); err != nil {
			return nil, err
		}
		part++
		if part == e.cfg.RowsPerPart {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	if part > 0 || out.Parts == 0 {
		if err := flush(); err != nil {
			return nil, err
		}
	}

	e.log.WithContext(ctx).Debug("query executed", logger.Fields(
		logger.FieldModel, req.Label,
		logger.FieldRows, out.Rows,
		"parts", out.Parts,
		logger.FieldDuration, time.Since(start).Milliseconds(),
	))
	return &out, nil
}

// resolveColumns finds the result position of every requested column.
func resolveColumns(cols []Column, names []string) ([]int, error) {
	index := make(map[string]int, len(names))
	for i, n := range names {
		index[n] = i
	}
	positions := make([]int, len(cols))
	for i, c := range cols {
		pos, ok := index[c.source()]
		if !ok {
			return nil, &CoercionError{Column: c.Name, Type: c.Type, Reason: "column missing from query result"}
		}
		positions[i] = pos
	}
	return positions, nil
}

func encodeRow(buf *bytes.Buffer, cols []Column, positions []int, values []interface{}) error {
	buf.WriteByte('{')
	for i, c := range cols {
		v, err := coerce(c, values[positions[i]])
		if err != nil {
			return err
		}
		key, _ := json.Marshal(c.Name)
		val, err := json.Marshal(v)
		if err != nil {
			return &CoercionError{Column: c.Name, Type: c.Type, Value: v, Reason: err.Error()}
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteString("}\n")
	return nil
}
