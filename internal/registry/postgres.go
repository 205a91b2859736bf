package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pausenow/pingwatch/internal/config"
	"github.com/pausenow/pingwatch/internal/types"
	"github.com/rs/zerolog"
)

// Schema creates the tables PostgresStore reads and patches
const Schema = `
CREATE TABLE IF NOT EXISTS families (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL DEFAULT '',
	guardian_channels TEXT[] NOT NULL DEFAULT '{}',
	creator_channel   TEXT NOT NULL DEFAULT '',
	partner_channels  TEXT[] NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS devices (
	family_id               TEXT NOT NULL REFERENCES families(id) ON DELETE CASCADE,
	id                      TEXT NOT NULL,
	name                    TEXT NOT NULL DEFAULT '',
	notification_channel    TEXT NOT NULL DEFAULT '',
	channel_invalid         BOOLEAN NOT NULL DEFAULT FALSE,
	channel_invalid_at      TIMESTAMPTZ,
	last_probe_sent_at      TIMESTAMPTZ,
	last_probe_id           TEXT NOT NULL DEFAULT '',
	last_probe_responded_at TIMESTAMPTZ,
	last_heartbeat_at       TIMESTAMPTZ,
	liveness_state          TEXT NOT NULL DEFAULT 'unknown',
	blocked_at              TIMESTAMPTZ,
	PRIMARY KEY (family_id, id)
);`

const (
	selectFamiliesSQL = `
SELECT id, name, guardian_channels, creator_channel, partner_channels
FROM families
ORDER BY id`

	selectDevicesSQL = `
SELECT family_id, id, name, notification_channel, channel_invalid, channel_invalid_at,
       last_probe_sent_at, last_probe_id, last_probe_responded_at, last_heartbeat_at,
       liveness_state, blocked_at
FROM devices
ORDER BY family_id, id`

	updateProbeSentSQL = `
UPDATE devices SET last_probe_sent_at = $3, last_probe_id = $4
WHERE family_id = $1 AND id = $2`

	updateLivenessSQL = `
UPDATE devices
SET liveness_state = $3,
    blocked_at = CASE WHEN $3 = 'blocked' THEN COALESCE(blocked_at, $4) ELSE blocked_at END
WHERE family_id = $1 AND id = $2 AND liveness_state = $5 AND liveness_state <> 'blocked'`

	invalidateChannelSQL = `
UPDATE devices SET channel_invalid = TRUE, channel_invalid_at = $3
WHERE family_id = $1 AND id = $2`

	recordResponseSQL = `
UPDATE devices SET last_probe_responded_at = $3
WHERE family_id = $1 AND id = $2`

	recordHeartbeatSQL = `
UPDATE devices SET last_heartbeat_at = $3
WHERE family_id = $1 AND id = $2`

	clearBlockSQL = `
UPDATE devices
SET liveness_state = 'unknown', blocked_at = NULL, last_probe_sent_at = NULL, last_probe_id = ''
WHERE family_id = $1 AND id = $2 AND liveness_state = 'blocked'`

	deviceExistsSQL = `SELECT EXISTS (SELECT 1 FROM devices WHERE family_id = $1 AND id = $2)`
)

// querier is the subset of *pgxpool.Pool the store uses
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is a Registry backed by PostgreSQL
type PostgresStore struct {
	db     querier
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresStore dials PostgreSQL and returns a store over a connection pool
func NewPostgresStore(ctx context.Context, cfg config.PostgresConfig, password string, logger zerolog.Logger) (*PostgresStore, error) {
	connURL := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   "/" + cfg.Database,
	}
	if cfg.Username != "" {
		if password != "" {
			connURL.User = url.UserPassword(cfg.Username, password)
		} else {
			connURL.User = url.User(cfg.Username)
		}
	}

	query := connURL.Query()
	query.Set("sslmode", cfg.SSLMode)
	if cfg.ApplicationName != "" {
		query.Set("application_name", cfg.ApplicationName)
	}
	connURL.RawQuery = query.Encode()

	poolConfig, err := pgxpool.ParseConfig(connURL.String())
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to initialize pool: %w", err)
	}

	logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Int32("max_conns", poolConfig.MaxConns).
		Msg("Connected to PostgreSQL registry")

	return &PostgresStore{db: pool, pool: pool, logger: logger}, nil
}

// EnsureSchema creates the registry tables if they are missing
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return nil
}

// Close releases the pool
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Families implements Registry
func (s *PostgresStore) Families(ctx context.Context) ([]types.Family, error) {
	rows, err := s.db.Query(ctx, selectFamiliesSQL)
	if err != nil {
		return nil, fmt.Errorf("postgres: query families: %w", err)
	}

	var families []types.Family
	index := make(map[string]int)
	for rows.Next() {
		var f types.Family
		if err := rows.Scan(&f.ID, &f.Name, &f.GuardianChannels, &f.CreatorChannel, &f.PartnerChannels); err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: scan family: %w", err)
		}
		index[f.ID] = len(families)
		families = append(families, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate families: %w", err)
	}

	rows, err = s.db.Query(ctx, selectDevicesSQL)
	if err != nil {
		return nil, fmt.Errorf("postgres: query devices: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			d     types.Device
			state string
		)
		if err := rows.Scan(
			&d.FamilyID, &d.ID, &d.Name, &d.NotificationChannel, &d.ChannelInvalid, &d.ChannelInvalidAt,
			&d.LastProbeSentAt, &d.LastProbeID, &d.LastProbeRespondedAt, &d.LastHeartbeatAt,
			&state, &d.BlockedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan device: %w", err)
		}

		d.LivenessState, err = types.ParseLivenessState(state)
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("family_id", d.FamilyID).
				Str("device_id", d.ID).
				Msg("Unrecognized liveness state, treating as unknown")
		}

		i, ok := index[d.FamilyID]
		if !ok {
			continue
		}
		families[i].Devices = append(families[i].Devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate devices: %w", err)
	}

	return families, nil
}

// UpdateProbeSent implements Registry
func (s *PostgresStore) UpdateProbeSent(ctx context.Context, key types.DeviceKey, sentAt time.Time, probeID string) error {
	return s.exec(ctx, "update probe sent", key, updateProbeSentSQL, key.FamilyID, key.DeviceID, sentAt, probeID)
}

// UpdateLiveness implements Registry
func (s *PostgresStore) UpdateLiveness(ctx context.Context, key types.DeviceKey, from, to types.LivenessState, blockedAt *time.Time) error {
	var at any
	if blockedAt != nil {
		at = *blockedAt
	} else if to == types.StateBlocked {
		return fmt.Errorf("postgres: update liveness %s: %w", key, ErrBlockedAtRequired)
	}
	tag, err := s.db.Exec(ctx, updateLivenessSQL, key.FamilyID, key.DeviceID, string(to), at, string(from))
	if err != nil {
		return fmt.Errorf("postgres: update liveness %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, key)
	}
	return nil
}

// InvalidateChannel implements Registry
func (s *PostgresStore) InvalidateChannel(ctx context.Context, key types.DeviceKey, at time.Time) error {
	return s.exec(ctx, "invalidate channel", key, invalidateChannelSQL, key.FamilyID, key.DeviceID, at)
}

// RecordResponse implements Registry
func (s *PostgresStore) RecordResponse(ctx context.Context, key types.DeviceKey, at time.Time) error {
	return s.exec(ctx, "record response", key, recordResponseSQL, key.FamilyID, key.DeviceID, at)
}

// RecordHeartbeat implements Registry
func (s *PostgresStore) RecordHeartbeat(ctx context.Context, key types.DeviceKey, at time.Time) error {
	return s.exec(ctx, "record heartbeat", key, recordHeartbeatSQL, key.FamilyID, key.DeviceID, at)
}

// ClearBlock implements Registry
func (s *PostgresStore) ClearBlock(ctx context.Context, key types.DeviceKey) error {
	tag, err := s.db.Exec(ctx, clearBlockSQL, key.FamilyID, key.DeviceID)
	if err != nil {
		return fmt.Errorf("postgres: clear block %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, key)
	}
	return nil
}

func (s *PostgresStore) exec(ctx context.Context, op string, key types.DeviceKey, sql string, args ...any) error {
	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("postgres: %s %s: %w", op, key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return nil
}

// missOrConflict tells an absent device apart from a lost conditional update
func (s *PostgresStore) missOrConflict(ctx context.Context, key types.DeviceKey) error {
	var exists bool
	if err := s.db.QueryRow(ctx, deviceExistsSQL, key.FamilyID, key.DeviceID).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("postgres: lookup %s: %w", key, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return ErrStateConflict
}
