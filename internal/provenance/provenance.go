// Package provenance records which rule set each binding of a resolved
// profile, so an operator can later ask why a profile looks the way it does.
package provenance

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	apperrors "github.com/duynguyendang/ssdtprof/pkg/common/errors"
	"github.com/duynguyendang/ssdtprof/pkg/profile"
)

// ErrUnknownProfile is returned when no trace was logged for a profile id.
var ErrUnknownProfile = fmt.Errorf("%w: unknown profile", apperrors.ErrNotFound)

// Entry is one logged profile.
type Entry struct {
	ProfileID string    `json:"profile_id"`
	Facts     string    `json:"facts"`
	CreatedAt time.Time `json:"created_at"`
	Overrides int       `json:"overrides"`
}

// LogProfile writes p and its override trace. Logging the same profile twice
// is a no-op.
func LogProfile(ctx context.Context, db *sql.DB, p *profile.Profile) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO profiles (id, facts, created_at) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		p.ID(), p.Facts().String(), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	for _, o := range p.Trace() {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO overrides (profile_id, seq, rule_id, kind, name, value, replaced)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.ID(), o.Seq, o.RuleID, string(o.Kind), o.Name, o.Value, nullIfEmpty(o.Replaced),
		)
		if err != nil {
			return fmt.Errorf("log override %d: %w", o.Seq, err)
		}
	}
	return tx.Commit()
}

// Trace returns the logged overrides of a profile in application order.
func Trace(ctx context.Context, db *sql.DB, profileID string) ([]profile.Override, error) {
	var exists int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM profiles WHERE id = ?`, profileID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("query profile: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProfile, profileID)
	}

	rows, err := db.QueryContext(ctx,
		`SELECT seq, rule_id, kind, name, value, replaced FROM overrides WHERE profile_id = ? ORDER BY seq`,
		profileID,
	)
	if err != nil {
		return nil, fmt.Errorf("query overrides: %w", err)
	}
	defer rows.Close()

	out := []profile.Override{}
	for rows.Next() {
		var (
			o        profile.Override
			kind     string
			replaced sql.NullString
		)
		if err := rows.Scan(&o.Seq, &o.RuleID, &kind, &o.Name, &o.Value, &replaced); err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		o.Kind = profile.ActionKind(kind)
		o.Replaced = replaced.String
		out = append(out, o)
	}
	return out, rows.Err()
}

// Recent lists the most recently logged profiles, newest first.
func Recent(ctx context.Context, db *sql.DB, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx,
		`SELECT p.id, p.facts, p.created_at, COUNT(o.id)
		 FROM profiles p LEFT JOIN overrides o ON o.profile_id = p.id
		 GROUP BY p.id ORDER BY p.created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			ts string
		)
		if err := rows.Scan(&e.ProfileID, &e.Facts, &ts, &e.Overrides); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
