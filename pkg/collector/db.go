package collector

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/itohio/goctm/pkg/reading"

	_ "modernc.org/sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS readings (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		meter          TEXT    NOT NULL,
		channel_id     INTEGER NOT NULL,
		real_power     REAL    NOT NULL,
		apparent_power REAL    NOT NULL,
		i_rms          REAL    NOT NULL,
		v_rms          REAL    NOT NULL,
		kwh            REAL    NOT NULL,
		timestamp      INTEGER NOT NULL,
		collected_at   INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_readings_meter_time ON readings (meter, timestamp)`,
	`CREATE TABLE IF NOT EXISTS power_losses (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		meter        TEXT    NOT NULL,
		timestamp    INTEGER NOT NULL,
		collected_at INTEGER NOT NULL
	)`,
}

// DB stores collected readings in SQLite.
type DB struct {
	db *sql.DB
}

// OpenDB opens (creating if needed) the database at path.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// InsertReadings stores records from meter in one transaction.
func (d *DB) InsertReadings(ctx context.Context, meter string, collectedAt uint64, recs []reading.Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // No-op after commit

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO readings "+
			"(meter, channel_id, real_power, apparent_power, i_rms, v_rms, kwh, timestamp, collected_at) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx,
			meter,
			int64(r.ChannelID),
			float64(r.RealPower),
			float64(r.ApparentPower),
			float64(r.IRMS),
			float64(r.VRMS),
			float64(r.KWh),
			int64(r.Timestamp),
			int64(collectedAt),
		); err != nil {
			return fmt.Errorf("insert reading: %w", err)
		}
	}
	return tx.Commit()
}

// InsertPowerLosses stores boot timestamps from meter.
func (d *DB) InsertPowerLosses(ctx context.Context, meter string, collectedAt uint64, stamps []uint64) error {
	for _, ts := range stamps {
		if _, err := d.db.ExecContext(ctx,
			"INSERT INTO power_losses (meter, timestamp, collected_at) VALUES (?, ?, ?)",
			meter, int64(ts), int64(collectedAt),
		); err != nil {
			return fmt.Errorf("insert power loss: %w", err)
		}
	}
	return nil
}

// Readings returns the stored records of meter ordered by insertion.
func (d *DB) Readings(ctx context.Context, meter string) ([]reading.Record, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT channel_id, real_power, apparent_power, i_rms, v_rms, kwh, timestamp "+
			"FROM readings WHERE meter = ? ORDER BY id", meter)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	var recs []reading.Record
	for rows.Next() {
		var (
			r  reading.Record
			ts int64
		)
		if err := rows.Scan(&r.ChannelID, &r.RealPower, &r.ApparentPower, &r.IRMS, &r.VRMS, &r.KWh, &ts); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		r.Timestamp = uint64(ts)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// PowerLosses returns the stored boot timestamps of meter.
func (d *DB) PowerLosses(ctx context.Context, meter string) ([]uint64, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT timestamp FROM power_losses WHERE meter = ? ORDER BY id", meter)
	if err != nil {
		return nil, fmt.Errorf("query power losses: %w", err)
	}
	defer rows.Close()

	var stamps []uint64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("scan power loss: %w", err)
		}
		stamps = append(stamps, uint64(ts))
	}
	return stamps, rows.Err()
}
