package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/arena/internal/game/entity"
)

// ErrCombatantNotFound is returned when a combatant lookup yields no results.
var ErrCombatantNotFound = errors.New("combatant not found")

// ErrCombatantNameTaken is returned when creating a combatant with a name
// that already exists.
var ErrCombatantNameTaken = errors.New("combatant name already taken")

// Combatant is the persisted form of a player combatant: identity, vitals,
// and resource pools saved between sessions.
type Combatant struct {
	ID        int64
	Name      string
	Zone      string
	CurrentHP int
	MaxHP     int
	Level     int
	Stamina   int
	Mana      int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ToPlayer builds the live combatant this record describes.
func (c *Combatant) ToPlayer() *entity.Player {
	p := entity.NewPlayer(c.ID, c.Name, c.MaxHP, c.Level)
	p.Zone = c.Zone
	p.CurrentHP = c.CurrentHP
	return p
}

// CombatantRepository provides combatant persistence operations.
type CombatantRepository struct {
	db *pgxpool.Pool
}

// NewCombatantRepository creates a CombatantRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewCombatantRepository(db *pgxpool.Pool) *CombatantRepository {
	return &CombatantRepository{db: db}
}

// Create inserts a new combatant and returns it with ID and timestamps set.
//
// Precondition: c.Name must be non-empty; c.MaxHP >= 1.
// Postcondition: Returns the created combatant with ID set, or
// ErrCombatantNameTaken on a duplicate name.
func (r *CombatantRepository) Create(ctx context.Context, c *Combatant) (*Combatant, error) {
	var out Combatant
	err := r.db.QueryRow(ctx, `
		INSERT INTO combatants
			(name, zone, current_hp, max_hp, level, stamina, mana)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id, name, zone, current_hp, max_hp, level, stamina, mana,
		          created_at, updated_at`,
		c.Name, c.Zone, c.CurrentHP, c.MaxHP, c.Level, c.Stamina, c.Mana,
	).Scan(
		&out.ID, &out.Name, &out.Zone, &out.CurrentHP, &out.MaxHP, &out.Level,
		&out.Stamina, &out.Mana, &out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, ErrCombatantNameTaken
		}
		return nil, fmt.Errorf("inserting combatant: %w", err)
	}
	return &out, nil
}

// GetByName returns the combatant with the given name.
//
// Postcondition: Returns ErrCombatantNotFound if no such combatant exists.
func (r *CombatantRepository) GetByName(ctx context.Context, name string) (*Combatant, error) {
	var out Combatant
	err := r.db.QueryRow(ctx, `
		SELECT id, name, zone, current_hp, max_hp, level, stamina, mana,
		       created_at, updated_at
		FROM combatants WHERE name = $1`,
		name,
	).Scan(
		&out.ID, &out.Name, &out.Zone, &out.CurrentHP, &out.MaxHP, &out.Level,
		&out.Stamina, &out.Mana, &out.CreatedAt, &out.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCombatantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying combatant by name: %w", err)
	}
	return &out, nil
}

// List returns every combatant, ordered by creation time. Used to load the
// roster at server start.
//
// Postcondition: Returns a slice (may be empty) or a non-nil error.
func (r *CombatantRepository) List(ctx context.Context) ([]*Combatant, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, name, zone, current_hp, max_hp, level, stamina, mana,
		       created_at, updated_at
		FROM combatants ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing combatants: %w", err)
	}
	defer rows.Close()

	out := make([]*Combatant, 0)
	for rows.Next() {
		var c Combatant
		if err := rows.Scan(
			&c.ID, &c.Name, &c.Zone, &c.CurrentHP, &c.MaxHP, &c.Level,
			&c.Stamina, &c.Mana, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning combatant: %w", err)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating combatants: %w", err)
	}
	return out, nil
}

// SaveVitals persists the combatant's zone, hit points, and resource pools.
// Called when a combatant leaves the world.
//
// Precondition: id must reference an existing combatant.
// Postcondition: Returns ErrCombatantNotFound if no row was updated.
func (r *CombatantRepository) SaveVitals(ctx context.Context, id int64, zone string, currentHP, stamina, mana int) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE combatants
		SET zone = $2, current_hp = $3, stamina = $4, mana = $5, updated_at = NOW()
		WHERE id = $1`,
		id, zone, currentHP, stamina, mana,
	)
	if err != nil {
		return fmt.Errorf("updating combatant vitals: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCombatantNotFound
	}
	return nil
}

// Delete removes the combatant with the given ID.
//
// Postcondition: Returns ErrCombatantNotFound if no row was deleted.
func (r *CombatantRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM combatants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting combatant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCombatantNotFound
	}
	return nil
}

// isDuplicateKeyError reports whether err is a PostgreSQL unique violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
