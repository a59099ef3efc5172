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

const actionColumns = `id, opportunity_id, type, status, details, reasoning, priority, source_activity_ids,
       resulting_activities, created_by, COALESCE(created_by_id,''), last_edited_by, COALESCE(last_edited_by_id,''),
       COALESCE(approved_by,''), attachment_ids, metadata, scheduled_for, executed_at, failed_at,
       COALESCE(failure_reason,''), created_at, updated_at`

const actionOrder = `ORDER BY priority, created_at, id`

func scanAction(row rowScanner) (crm.ProposedAction, error) {
	var (
		a                                crm.ProposedAction
		typ, status, createdBy, editedBy string
		details, resulting, metadata     []byte
		scheduledFor, executedAt, failed sql.NullTime
	)
	err := row.Scan(
		&a.ID, &a.OpportunityID, &typ, &status, &details, &a.Reasoning, &a.Priority, pq.Array(&a.SourceActivityIDs),
		&resulting, &createdBy, &a.CreatedByID, &editedBy, &a.LastEditedByID,
		&a.ApprovedBy, pq.Array(&a.AttachmentIDs), &metadata, &scheduledFor, &executedAt, &failed,
		&a.FailureReason, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return crm.ProposedAction{}, err
	}
	a.Type = crm.ActionType(typ)
	a.Status = crm.ActionStatus(status)
	a.CreatedBy = crm.Actor(createdBy)
	a.LastEditedBy = crm.Actor(editedBy)
	a.ScheduledFor = timePtr(scheduledFor)
	a.ExecutedAt = timePtr(executedAt)
	a.FailedAt = timePtr(failed)
	if err := unmarshalJSON(details, &a.Details); err != nil {
		return crm.ProposedAction{}, fmt.Errorf("decode details of %s: %w", a.ID, err)
	}
	if err := unmarshalJSON(resulting, &a.ResultingActivities); err != nil {
		return crm.ProposedAction{}, fmt.Errorf("decode resulting activities of %s: %w", a.ID, err)
	}
	if err := unmarshalJSON(metadata, &a.Metadata); err != nil {
		return crm.ProposedAction{}, fmt.Errorf("decode metadata of %s: %w", a.ID, err)
	}
	if len(a.Metadata) == 0 {
		a.Metadata = nil
	}
	return a, nil
}

func collectActions(rows *sql.Rows) ([]crm.ProposedAction, error) {
	defer rows.Close()
	var out []crm.ProposedAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListActions returns the opportunity's actions in the given statuses, or
// all of them when none is given.
func (s *Store) ListActions(ctx context.Context, opportunityID string, statuses ...crm.ActionStatus) ([]crm.ProposedAction, error) {
	query := `SELECT ` + actionColumns + ` FROM proposed_actions WHERE opportunity_id=$1 `
	args := []interface{}{opportunityID}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		query += `AND status = ANY($2) `
		args = append(args, pq.Array(names))
	}
	rows, err := s.DB.QueryContext(ctx, query+actionOrder, args...)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	return collectActions(rows)
}

const pendingResultsQuery = `SELECT ` + actionColumns + `
FROM proposed_actions
WHERE opportunity_id=$1 AND status=$2
  AND EXISTS (SELECT 1 FROM activities act WHERE act.origin_action_id = proposed_actions.id AND act.status=$3)
` + actionOrder

func (s *Store) ListActionsWithPendingResults(ctx context.Context, opportunityID string) ([]crm.ProposedAction, error) {
	rows, err := s.DB.QueryContext(ctx, pendingResultsQuery,
		opportunityID, string(crm.StatusExecuted), string(crm.ActivityScheduled))
	if err != nil {
		return nil, fmt.Errorf("list actions with pending results: %w", err)
	}
	return collectActions(rows)
}

func getAction(ctx context.Context, q querier, query, id string) (crm.ProposedAction, error) {
	a, err := scanAction(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return crm.ProposedAction{}, crm.NotFound("action", id)
	}
	if err != nil {
		return crm.ProposedAction{}, fmt.Errorf("get action %s: %w", id, err)
	}
	return a, nil
}

func (s *Store) GetAction(ctx context.Context, id string) (crm.ProposedAction, error) {
	return getAction(ctx, s.DB, `SELECT `+actionColumns+` FROM proposed_actions WHERE id=$1`, id)
}

func (t *pgTx) GetActionForUpdate(ctx context.Context, id string) (crm.ProposedAction, error) {
	return getAction(ctx, t.tx, `SELECT `+actionColumns+` FROM proposed_actions WHERE id=$1 FOR UPDATE`, id)
}

func actionArgs(a crm.ProposedAction) ([]interface{}, error) {
	details, err := marshalJSON(a.Details, "{}")
	if err != nil {
		return nil, fmt.Errorf("encode details: %w", err)
	}
	resulting := a.ResultingActivities
	if resulting == nil {
		resulting = []crm.ActivityRef{}
	}
	refs, err := marshalJSON(resulting, "[]")
	if err != nil {
		return nil, fmt.Errorf("encode resulting activities: %w", err)
	}
	meta, err := marshalJSON(a.Metadata, "{}")
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	sources := a.SourceActivityIDs
	if sources == nil {
		sources = []string{}
	}
	attachments := a.AttachmentIDs
	if attachments == nil {
		attachments = []string{}
	}
	return []interface{}{
		a.ID, a.OpportunityID, string(a.Type), string(a.Status), details, a.Reasoning, a.Priority, pq.Array(sources),
		refs, string(a.CreatedBy), nullString(a.CreatedByID), string(a.LastEditedBy), nullString(a.LastEditedByID),
		nullString(a.ApprovedBy), pq.Array(attachments), meta, nullTime(a.ScheduledFor), nullTime(a.ExecutedAt),
		nullTime(a.FailedAt), nullString(a.FailureReason),
	}, nil
}

func (t *pgTx) InsertAction(ctx context.Context, a *crm.ProposedAction) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	args, err := actionArgs(*a)
	if err != nil {
		return err
	}
	args = append(args, a.CreatedAt, a.UpdatedAt)
	if _, err := t.tx.ExecContext(ctx, `
INSERT INTO proposed_actions (id, opportunity_id, type, status, details, reasoning, priority, source_activity_ids,
  resulting_activities, created_by, created_by_id, last_edited_by, last_edited_by_id, approved_by, attachment_ids,
  metadata, scheduled_for, executed_at, failed_at, failure_reason, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
`, args...); err != nil {
		if foreignKeyViolation(err) {
			return crm.NotFound("opportunity", a.OpportunityID)
		}
		return fmt.Errorf("insert action: %w", err)
	}
	if len(a.AttachmentIDs) > 0 {
		if _, err := t.tx.ExecContext(ctx,
			`UPDATE attachments SET action_id=$1 WHERE id = ANY($2)`, a.ID, pq.Array(a.AttachmentIDs)); err != nil {
			return fmt.Errorf("claim attachments: %w", err)
		}
	}
	return nil
}

func (t *pgTx) UpdateAction(ctx context.Context, a crm.ProposedAction) error {
	args, err := actionArgs(a)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
UPDATE proposed_actions SET opportunity_id=$2, type=$3, status=$4, details=$5, reasoning=$6, priority=$7,
  source_activity_ids=$8, resulting_activities=$9, created_by=$10, created_by_id=$11, last_edited_by=$12,
  last_edited_by_id=$13, approved_by=$14, attachment_ids=$15, metadata=$16, scheduled_for=$17,
  executed_at=$18, failed_at=$19, failure_reason=$20, updated_at=NOW()
WHERE id=$1
`, args...)
	if err != nil {
		return fmt.Errorf("update action: %w", err)
	}
	return expectRow(res, "action", a.ID)
}
