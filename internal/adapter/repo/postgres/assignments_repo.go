package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tutordex/aggregator/internal/domain"
)

const assignmentColumns = `id, channel_id, message_id, assignment_code, parsed, signals,
	postal_lat, postal_lon, status, freshness_tier,
	duplicate_group_id, is_primary_in_group, duplicate_confidence_score,
	fingerprint, published_at, updated_at`

// AssignmentRepo persists canonical assignments keyed by
// (channel_id, message_id). The parsed and signals JSON are the source of
// truth; the array/rollup columns exist for SQL-side filtering and are
// written on every upsert.
type AssignmentRepo struct{ Pool PgxPool }

// NewAssignmentRepo constructs an AssignmentRepo with the given pool.
func NewAssignmentRepo(p PgxPool) *AssignmentRepo { return &AssignmentRepo{Pool: p} }

// Upsert inserts or refreshes an assignment row and returns the committed
// row. Re-upserts replace content fields; status and freshness_tier keep
// their stored values so the ager and operators stay authoritative, and
// updated_at never moves backwards.
func (r *AssignmentRepo) Upsert(ctx domain.Context, a domain.Assignment) (domain.Assignment, error) {
	tracer := otel.Tracer("repo.assignments")
	ctx, span := tracer.Start(ctx, "assignments.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.sql.table", "assignments"),
		attribute.Int64("telegram.channel_id", a.ChannelID),
		attribute.Int64("telegram.message_id", a.MessageID),
	)
	parsed, err := json.Marshal(a.Parsed)
	if err != nil {
		return domain.Assignment{}, fmt.Errorf("op=assignments.marshal_parsed: %w", err)
	}
	signals, err := json.Marshal(a.Signals)
	if err != nil {
		return domain.Assignment{}, fmt.Errorf("op=assignments.marshal_signals: %w", err)
	}
	tutorTypes, err := json.Marshal(a.Signals.TutorTypes)
	if err != nil {
		return domain.Assignment{}, fmt.Errorf("op=assignments.marshal_tutor_types: %w", err)
	}
	updatedAt := a.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	q := `INSERT INTO assignments
	        (channel_id, message_id, assignment_code, parsed, signals,
	         subjects_canonical, subjects_general, levels, specific_levels,
	         region, rate_min, rate_max, postal_codes, postal_lat, postal_lon,
	         tutor_types, duplicate_group_id, is_primary_in_group,
	         duplicate_confidence_score, fingerprint, published_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
	      ON CONFLICT (channel_id, message_id) DO UPDATE
	      SET assignment_code            = EXCLUDED.assignment_code,
	          parsed                     = EXCLUDED.parsed,
	          signals                    = EXCLUDED.signals,
	          subjects_canonical         = EXCLUDED.subjects_canonical,
	          subjects_general           = EXCLUDED.subjects_general,
	          levels                     = EXCLUDED.levels,
	          specific_levels            = EXCLUDED.specific_levels,
	          region                     = EXCLUDED.region,
	          rate_min                   = EXCLUDED.rate_min,
	          rate_max                   = EXCLUDED.rate_max,
	          postal_codes               = EXCLUDED.postal_codes,
	          postal_lat                 = EXCLUDED.postal_lat,
	          postal_lon                 = EXCLUDED.postal_lon,
	          tutor_types                = EXCLUDED.tutor_types,
	          duplicate_group_id         = EXCLUDED.duplicate_group_id,
	          is_primary_in_group        = EXCLUDED.is_primary_in_group,
	          duplicate_confidence_score = EXCLUDED.duplicate_confidence_score,
	          fingerprint                = EXCLUDED.fingerprint,
	          updated_at                 = GREATEST(assignments.updated_at, EXCLUDED.updated_at)
	      RETURNING ` + assignmentColumns
	row := r.Pool.QueryRow(ctx, q,
		a.ChannelID, a.MessageID, a.AssignmentCode, parsed, signals,
		a.Signals.SubjectsCanonical, a.Signals.SubjectsGeneral,
		a.Signals.Levels, a.Signals.SpecificLevels,
		a.Signals.Region, a.Signals.RateMin, a.Signals.RateMax,
		a.Parsed.PostalCode, a.PostalLat, a.PostalLon,
		tutorTypes, a.DuplicateGroupID, a.IsPrimaryInGroup,
		a.DuplicateConfidence, a.Fingerprint, a.PublishedAt.UTC(), updatedAt)
	out, err := scanAssignmentRow(row)
	if err != nil {
		return domain.Assignment{}, fmt.Errorf("op=assignments.upsert: %w", err)
	}
	return out, nil
}

// FindRecentByFingerprint returns committed assignments sharing a
// fingerprint inside the sliding window, oldest first with a stable
// tie-break, for duplicate group resolution.
func (r *AssignmentRepo) FindRecentByFingerprint(ctx domain.Context, fingerprint string, window time.Duration) ([]domain.Assignment, error) {
	tracer := otel.Tracer("repo.assignments")
	ctx, span := tracer.Start(ctx, "assignments.FindRecentByFingerprint")
	defer span.End()
	if fingerprint == "" {
		return nil, nil
	}
	q := `SELECT ` + assignmentColumns + ` FROM assignments
	      WHERE fingerprint=$1 AND published_at >= now() - make_interval(secs => $2)
	      ORDER BY published_at ASC, channel_id ASC, message_id ASC`
	rows, err := r.Pool.Query(ctx, q, fingerprint, window.Seconds())
	if err != nil {
		return nil, fmt.Errorf("op=assignments.find_by_fingerprint: %w", err)
	}
	defer rows.Close()
	return collectAssignments(rows, "op=assignments.find_by_fingerprint")
}

// Recent returns the latest assignments by published_at for the admin API.
func (r *AssignmentRepo) Recent(ctx domain.Context, limit int) ([]domain.Assignment, error) {
	tracer := otel.Tracer("repo.assignments")
	ctx, span := tracer.Start(ctx, "assignments.Recent")
	defer span.End()
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := `SELECT ` + assignmentColumns + ` FROM assignments
	      ORDER BY published_at DESC LIMIT $1`
	rows, err := r.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("op=assignments.recent: %w", err)
	}
	defer rows.Close()
	return collectAssignments(rows, "op=assignments.recent")
}

// CloseAgedAssignments advances freshness tiers by post age and closes red
// rows past the close threshold. Rows already older than the red threshold
// go straight to red. Returns rows re-tiered and rows closed.
func (r *AssignmentRepo) CloseAgedAssignments(ctx domain.Context, amberAfter, redAfter, closeAfter time.Duration) (aged int64, closed int64, err error) {
	tracer := otel.Tracer("repo.assignments")
	ctx, span := tracer.Start(ctx, "assignments.CloseAgedAssignments")
	defer span.End()
	redTag, err := r.Pool.Exec(ctx, `UPDATE assignments
	      SET freshness_tier='red', updated_at=now()
	      WHERE status='open' AND freshness_tier IN ('green','amber')
	        AND published_at < now() - make_interval(secs => $1)`, redAfter.Seconds())
	if err != nil {
		return 0, 0, fmt.Errorf("op=assignments.age_red: %w", err)
	}
	amberTag, err := r.Pool.Exec(ctx, `UPDATE assignments
	      SET freshness_tier='amber', updated_at=now()
	      WHERE status='open' AND freshness_tier='green'
	        AND published_at < now() - make_interval(secs => $1)`, amberAfter.Seconds())
	if err != nil {
		return 0, 0, fmt.Errorf("op=assignments.age_amber: %w", err)
	}
	closeTag, err := r.Pool.Exec(ctx, `UPDATE assignments
	      SET status='closed', updated_at=now()
	      WHERE status='open' AND freshness_tier='red'
	        AND published_at < now() - make_interval(secs => $1)`, closeAfter.Seconds())
	if err != nil {
		return 0, 0, fmt.Errorf("op=assignments.close_aged: %w", err)
	}
	return redTag.RowsAffected() + amberTag.RowsAffected(), closeTag.RowsAffected(), nil
}

func scanAssignmentRow(row pgx.Row) (domain.Assignment, error) {
	var a domain.Assignment
	if err := row.Scan(&a.ID, &a.ChannelID, &a.MessageID, &a.AssignmentCode,
		&a.Parsed, &a.Signals, &a.PostalLat, &a.PostalLon,
		&a.Status, &a.FreshnessTier,
		&a.DuplicateGroupID, &a.IsPrimaryInGroup, &a.DuplicateConfidence,
		&a.Fingerprint, &a.PublishedAt, &a.UpdatedAt); err != nil {
		return domain.Assignment{}, err
	}
	return a, nil
}

func collectAssignments(rows pgx.Rows, op string) ([]domain.Assignment, error) {
	var out []domain.Assignment
	for rows.Next() {
		a, err := scanAssignmentRow(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}
