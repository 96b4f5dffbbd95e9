// Package durability implements the Action Durability Service: an
// append-only action-event log plus a character-profile store, backed by
// Postgres via pgx/v5 and fronted by a dbguard.Guard so outages degrade
// instead of cascading.
package durability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/dkirby-ms/tilemud/internal/dbguard"
	"github.com/dkirby-ms/tilemud/internal/durability/migrations"
)

const uniqueViolation = "23505"

// ActionEvent is one durably persisted action (spec.md §4.7).
type ActionEvent struct {
	ActionID       uuid.UUID
	SessionID      string
	UserID         string
	CharacterID    string
	SequenceNumber int64
	ActionType     string
	Payload        json.RawMessage
	PersistedAt    time.Time
}

// CharacterProfile is the durable record for one character.
type CharacterProfile struct {
	CharacterID string
	UserID      string
	DisplayName string
	PositionX   float64
	PositionY   float64
	Stats       json.RawMessage
	Inventory   json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Store is the durable action-event and character-profile store.
type Store struct {
	pool  *pgxpool.Pool
	guard *dbguard.Guard
}

// Open runs pending migrations against connString then opens a pooled
// connection for runtime queries, following dittofs's
// pkg/store/metadata/postgres/migrate.go runMigrations idiom ported to
// pgx/v5's pgxpool for the hot path.
func Open(ctx context.Context, connString string, guard *dbguard.Guard) (*Store, error) {
	if err := runMigrations(connString); err != nil {
		return nil, fmt.Errorf("durability: run migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("durability: parse pool config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("durability: open pool: %w", err)
	}

	return &Store{pool: pool, guard: guard}, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

func runMigrations(connString string) error {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return fmt.Errorf("open database/sql handle: %w", err)
	}
	defer db.Close()

	driver, err := migratepg.WithInstance(db, &migratepg.Config{MigrationsTable: "schema_migrations"})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("create source driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// PersistAction inserts an action event. If (sessionId, sequenceNumber)
// already exists, the insert is treated as idempotent: the existing row is
// returned with duplicate=true instead of an error, per spec.md P2.
func (s *Store) PersistAction(ctx context.Context, ev ActionEvent) (ActionEvent, bool, error) {
	if ev.ActionID == uuid.Nil {
		ev.ActionID = uuid.New()
	}

	var duplicate bool
	err := s.guard.Do(func() error {
		_, insertErr := s.pool.Exec(ctx, `
			INSERT INTO action_events
				(action_id, session_id, user_id, character_id, sequence_number, action_type, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			ev.ActionID, ev.SessionID, ev.UserID, ev.CharacterID, ev.SequenceNumber, ev.ActionType, ev.Payload,
		)
		if insertErr == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(insertErr, &pgErr) && pgErr.Code == uniqueViolation {
			duplicate = true
			return nil
		}
		return insertErr
	})
	if err != nil {
		return ActionEvent{}, false, err
	}

	if duplicate {
		existing, found, getErr := s.GetBySessionAndSequence(ctx, ev.SessionID, ev.SequenceNumber)
		if getErr != nil {
			return ActionEvent{}, false, getErr
		}
		if !found {
			return ActionEvent{}, false, fmt.Errorf("durability: unique violation but row not found for session=%s seq=%d", ev.SessionID, ev.SequenceNumber)
		}
		return existing, true, nil
	}

	ev.PersistedAt = time.Now()
	return ev, false, nil
}

// GetBySessionAndSequence fetches one action event by its natural key.
func (s *Store) GetBySessionAndSequence(ctx context.Context, sessionID string, seq int64) (ActionEvent, bool, error) {
	var ev ActionEvent
	var found bool
	err := s.guard.Do(func() error {
		row := s.pool.QueryRow(ctx, `
			SELECT action_id, session_id, user_id, character_id, sequence_number, action_type, payload, persisted_at
			FROM action_events WHERE session_id = $1 AND sequence_number = $2`,
			sessionID, seq,
		)
		scanErr := row.Scan(&ev.ActionID, &ev.SessionID, &ev.UserID, &ev.CharacterID, &ev.SequenceNumber, &ev.ActionType, &ev.Payload, &ev.PersistedAt)
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil
		}
		if scanErr != nil {
			return scanErr
		}
		found = true
		return nil
	})
	if err != nil {
		return ActionEvent{}, false, err
	}
	return ev, found, nil
}

// GetLatestForSession returns the highest-sequence action event recorded
// for sessionID.
func (s *Store) GetLatestForSession(ctx context.Context, sessionID string) (ActionEvent, bool, error) {
	var ev ActionEvent
	var found bool
	err := s.guard.Do(func() error {
		row := s.pool.QueryRow(ctx, `
			SELECT action_id, session_id, user_id, character_id, sequence_number, action_type, payload, persisted_at
			FROM action_events WHERE session_id = $1
			ORDER BY sequence_number DESC LIMIT 1`,
			sessionID,
		)
		scanErr := row.Scan(&ev.ActionID, &ev.SessionID, &ev.UserID, &ev.CharacterID, &ev.SequenceNumber, &ev.ActionType, &ev.Payload, &ev.PersistedAt)
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil
		}
		if scanErr != nil {
			return scanErr
		}
		found = true
		return nil
	})
	if err != nil {
		return ActionEvent{}, false, err
	}
	return ev, found, nil
}

// ListRecentForCharacter returns up to limit of the most recent action
// events for characterID, ordered oldest to newest.
func (s *Store) ListRecentForCharacter(ctx context.Context, characterID string, limit int) ([]ActionEvent, error) {
	var out []ActionEvent
	err := s.guard.Do(func() error {
		rows, queryErr := s.pool.Query(ctx, `
			SELECT action_id, session_id, user_id, character_id, sequence_number, action_type, payload, persisted_at
			FROM action_events WHERE character_id = $1
			ORDER BY sequence_number DESC LIMIT $2`,
			characterID, limit,
		)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		var recent []ActionEvent
		for rows.Next() {
			var ev ActionEvent
			if scanErr := rows.Scan(&ev.ActionID, &ev.SessionID, &ev.UserID, &ev.CharacterID, &ev.SequenceNumber, &ev.ActionType, &ev.Payload, &ev.PersistedAt); scanErr != nil {
				return scanErr
			}
			recent = append(recent, ev)
		}
		if rowsErr := rows.Err(); rowsErr != nil {
			return rowsErr
		}

		for i := len(recent) - 1; i >= 0; i-- {
			out = append(out, recent[i])
		}
		return nil
	})
	return out, err
}

// GetCharacterProfile fetches a character profile by ID.
func (s *Store) GetCharacterProfile(ctx context.Context, characterID string) (CharacterProfile, bool, error) {
	var p CharacterProfile
	var found bool
	err := s.guard.Do(func() error {
		row := s.pool.QueryRow(ctx, `
			SELECT character_id, user_id, display_name, position_x, position_y, stats, inventory, created_at, updated_at
			FROM character_profiles WHERE character_id = $1`,
			characterID,
		)
		scanErr := row.Scan(&p.CharacterID, &p.UserID, &p.DisplayName, &p.PositionX, &p.PositionY, &p.Stats, &p.Inventory, &p.CreatedAt, &p.UpdatedAt)
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil
		}
		if scanErr != nil {
			return scanErr
		}
		found = true
		return nil
	})
	if err != nil {
		return CharacterProfile{}, false, err
	}
	return p, found, nil
}

// CreateCharacterProfileIfAbsent inserts profile if no row exists for its
// CharacterID, otherwise returns the existing row unchanged. Used by the
// Session Bootstrap Service on first connect.
func (s *Store) CreateCharacterProfileIfAbsent(ctx context.Context, profile CharacterProfile) (CharacterProfile, bool, error) {
	existing, found, err := s.GetCharacterProfile(ctx, profile.CharacterID)
	if err != nil {
		return CharacterProfile{}, false, err
	}
	if found {
		return existing, false, nil
	}

	if profile.Stats == nil {
		profile.Stats = json.RawMessage(`{}`)
	}
	if profile.Inventory == nil {
		profile.Inventory = json.RawMessage(`{}`)
	}

	err = s.guard.Do(func() error {
		_, execErr := s.pool.Exec(ctx, `
			INSERT INTO character_profiles
				(character_id, user_id, display_name, position_x, position_y, stats, inventory)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (character_id) DO NOTHING`,
			profile.CharacterID, profile.UserID, profile.DisplayName, profile.PositionX, profile.PositionY, profile.Stats, profile.Inventory,
		)
		return execErr
	})
	if err != nil {
		return CharacterProfile{}, false, err
	}

	created, found, err := s.GetCharacterProfile(ctx, profile.CharacterID)
	if err != nil {
		return CharacterProfile{}, false, err
	}
	if !found {
		return CharacterProfile{}, false, fmt.Errorf("durability: character profile %s missing after insert", profile.CharacterID)
	}
	return created, true, nil
}

// UpdateCharacterProfile persists the current position/stats/inventory for
// an existing character profile.
func (s *Store) UpdateCharacterProfile(ctx context.Context, profile CharacterProfile) error {
	return s.guard.Do(func() error {
		_, err := s.pool.Exec(ctx, `
			UPDATE character_profiles
			SET position_x = $2, position_y = $3, stats = $4, inventory = $5, updated_at = now()
			WHERE character_id = $1`,
			profile.CharacterID, profile.PositionX, profile.PositionY, profile.Stats, profile.Inventory,
		)
		return err
	})
}
