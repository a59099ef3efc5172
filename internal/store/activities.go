package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
)

const activityColumns = `id, opportunity_id, kind, COALESCE(subject,''), COALESCE(body,''), COALESCE(direction,''),
       participants, COALESCE(thread_id,''), occurred_at, start_at, end_at, scheduled_for, status,
       COALESCE(external_ref,''), COALESCE(origin_action_id,''), created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanActivity(row rowScanner) (crm.Activity, error) {
	var (
		a                            crm.Activity
		kind, direction, status      string
		startAt, endAt, scheduledFor sql.NullTime
	)
	err := row.Scan(
		&a.ID, &a.OpportunityID, &kind, &a.Subject, &a.Body, &direction,
		pq.Array(&a.Participants), &a.ThreadID, &a.OccurredAt, &startAt, &endAt, &scheduledFor, &status,
		&a.ExternalRef, &a.OriginActionID, &a.CreatedAt,
	)
	if err != nil {
		return crm.Activity{}, err
	}
	a.Kind = crm.ActivityKind(kind)
	a.Direction = crm.Direction(direction)
	a.Status = crm.ActivityStatus(status)
	a.StartAt = timePtr(startAt)
	a.EndAt = timePtr(endAt)
	a.ScheduledFor = timePtr(scheduledFor)
	return a, nil
}

func collectActivities(rows *sql.Rows) ([]crm.Activity, error) {
	defer rows.Close()
	var out []crm.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) ListRecentActivities(ctx context.Context, opportunityID string, kind crm.ActivityKind, before time.Time, limit int) ([]crm.Activity, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+activityColumns+`
FROM activities
WHERE opportunity_id=$1 AND kind=$2 AND occurred_at <= $3
ORDER BY occurred_at DESC, id
LIMIT $4
`, opportunityID, string(kind), before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list %s activities: %w", kind, err)
	}
	return collectActivities(rows)
}

// ListFutureEvents returns scheduled calendar activities starting after the given time.
func (s *Store) ListFutureEvents(ctx context.Context, opportunityID string, after time.Time, limit int) ([]crm.Activity, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+activityColumns+`
FROM activities
WHERE opportunity_id=$1 AND kind=$2 AND status=$3 AND start_at > $4
ORDER BY start_at, id
LIMIT $5
`, opportunityID, string(crm.KindMeeting), string(crm.ActivityScheduled), after.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list future events: %w", err)
	}
	return collectActivities(rows)
}

// pgTx implements crm.Tx on a *sql.Tx.
type pgTx struct {
	tx          *sql.Tx
	afterCommit []func()
}

var _ crm.Tx = (*pgTx)(nil)

func (t *pgTx) AfterCommit(fn func()) { t.afterCommit = append(t.afterCommit, fn) }

func (t *pgTx) GetActivity(ctx context.Context, id string) (crm.Activity, error) {
	a, err := scanActivity(t.tx.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return crm.Activity{}, crm.NotFound("activity", id)
	}
	if err != nil {
		return crm.Activity{}, fmt.Errorf("get activity %s: %w", id, err)
	}
	return a, nil
}

func activityArgs(a crm.Activity) []interface{} {
	participants := a.Participants
	if participants == nil {
		participants = []string{}
	}
	return []interface{}{
		a.ID, a.OpportunityID, string(a.Kind), nullString(a.Subject), nullString(a.Body), nullString(string(a.Direction)),
		pq.Array(participants), nullString(a.ThreadID), a.OccurredAt.UTC(), nullTime(a.StartAt), nullTime(a.EndAt),
		nullTime(a.ScheduledFor), string(a.Status), nullString(a.ExternalRef), nullString(a.OriginActionID),
	}
}

func (t *pgTx) InsertActivity(ctx context.Context, a *crm.Activity) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.OccurredAt.IsZero() {
		a.OccurredAt = a.CreatedAt
	}
	args := append(activityArgs(*a), a.CreatedAt)
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO activities (id, opportunity_id, kind, subject, body, direction, participants, thread_id,
  occurred_at, start_at, end_at, scheduled_for, status, external_ref, origin_action_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
`, args...)
	if err != nil {
		if foreignKeyViolation(err) {
			return crm.NotFound("opportunity", a.OpportunityID)
		}
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateActivity(ctx context.Context, a crm.Activity) error {
	res, err := t.tx.ExecContext(ctx, `
UPDATE activities SET opportunity_id=$2, kind=$3, subject=$4, body=$5, direction=$6, participants=$7,
  thread_id=$8, occurred_at=$9, start_at=$10, end_at=$11, scheduled_for=$12, status=$13,
  external_ref=$14, origin_action_id=$15
WHERE id=$1
`, activityArgs(a)...)
	if err != nil {
		return fmt.Errorf("update activity: %w", err)
	}
	return expectRow(res, "activity", a.ID)
}

func (t *pgTx) SetActivityOrigin(ctx context.Context, activityID, actionID string) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE activities SET origin_action_id=$2 WHERE id=$1`, activityID, actionID)
	if err != nil {
		return fmt.Errorf("set activity origin: %w", err)
	}
	return expectRow(res, "activity", activityID)
}

// DeleteActivity runs inside a savepoint so a failed delete leaves the
// surrounding transaction usable.
func (t *pgTx) DeleteActivity(ctx context.Context, id string) error {
	return t.savepoint(ctx, "delete_activity", func() error {
		_, err := t.tx.ExecContext(ctx, `DELETE FROM activities WHERE id=$1`, id)
		return err
	})
}

// ReleaseAttachments detaches the given attachments from the action.
func (t *pgTx) ReleaseAttachments(ctx context.Context, actionID string, attachmentIDs []string) error {
	if len(attachmentIDs) == 0 {
		return nil
	}
	return t.savepoint(ctx, "release_attachments", func() error {
		_, err := t.tx.ExecContext(ctx,
			`UPDATE attachments SET action_id=NULL WHERE action_id=$1 AND id = ANY($2)`,
			actionID, pq.Array(attachmentIDs))
		return err
	})
}

func (t *pgTx) savepoint(ctx context.Context, name string, fn func() error) error {
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, err)
	}
	if err := fn(); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return fmt.Errorf("%s: %v (rollback to savepoint: %w)", name, err, rbErr)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint %s: %w", name, err)
	}
	return nil
}
