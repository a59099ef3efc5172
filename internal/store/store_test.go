package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/llm"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{DB: db}, mock
}

var actionCols = []string{
	"id", "opportunity_id", "type", "status", "details", "reasoning", "priority", "source_activity_ids",
	"resulting_activities", "created_by", "created_by_id", "last_edited_by", "last_edited_by_id",
	"approved_by", "attachment_ids", "metadata", "scheduled_for", "executed_at", "failed_at",
	"failure_reason", "created_at", "updated_at",
}

func TestGetOpportunity(t *testing.T) {
	st, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(opportunityQuery)).
		WithArgs("opp-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "owner_id", "stage_id", "intelligence", "artifacts", "created_at", "updated_at",
		}).AddRow(
			"opp-1", "Acme renewal", "u-1", "s-disc",
			[]byte(`{"summary":"champion engaged","risks":["budget"]}`), []byte(`[{"id":"art-1","name":"Deck"}]`), now, now,
		))
	mock.ExpectQuery(regexp.QuoteMeta(opportunityContactIDsQuery)).
		WithArgs("opp-1").
		WillReturnRows(sqlmock.NewRows([]string{"contact_id"}).AddRow("c-1").AddRow("c-2"))

	o, err := st.GetOpportunity(context.Background(), "opp-1")
	if err != nil {
		t.Fatalf("GetOpportunity: %v", err)
	}
	if o.Name != "Acme renewal" || o.StageID != "s-disc" {
		t.Fatalf("unexpected opportunity: %#v", o)
	}
	if o.Intelligence.Summary != "champion engaged" || len(o.Intelligence.Risks) != 1 {
		t.Fatalf("intelligence not decoded: %#v", o.Intelligence)
	}
	if len(o.Artifacts) != 1 || o.Artifacts[0].Name != "Deck" {
		t.Fatalf("artifacts not decoded: %#v", o.Artifacts)
	}
	if len(o.ContactIDs) != 2 || o.ContactIDs[1] != "c-2" {
		t.Fatalf("unexpected contact ids %v", o.ContactIDs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetOpportunityNotFound(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(opportunityQuery)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := st.GetOpportunity(context.Background(), "missing")
	if !errors.Is(err, crm.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListActionsByStatus(t *testing.T) {
	st, mock := newMock(t)
	now := time.Now().UTC()

	query := regexp.QuoteMeta(`SELECT ` + actionColumns + ` FROM proposed_actions WHERE opportunity_id=$1 AND status = ANY($2) ` + actionOrder)
	mock.ExpectQuery(query).
		WithArgs("opp-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(actionCols).AddRow(
			"act-1", "opp-1", "EMAIL", "APPROVED",
			[]byte(`{"to":["dana@acme.test"],"subject":"Pricing"}`), "reply to pricing question", 2, "{in-1,in-2}",
			[]byte(`[{"id":"a-9","kind":"email"}]`), "oracle", "", "human", "u-7",
			"u-7", "{att-1}", []byte(`{"compose_error":"timeout"}`), nil, nil, nil,
			"", now, now,
		))

	actions, err := st.ListActions(context.Background(), "opp-1", crm.StatusProposed, crm.StatusApproved)
	if err != nil {
		t.Fatalf("ListActions: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("expected one action, got %d", len(actions))
	}
	a := actions[0]
	if a.Type != crm.ActionEmail || a.Status != crm.StatusApproved || a.Priority != 2 {
		t.Fatalf("unexpected action: %#v", a)
	}
	if len(a.SourceActivityIDs) != 2 || a.SourceActivityIDs[1] != "in-2" {
		t.Fatalf("unexpected sources %v", a.SourceActivityIDs)
	}
	if len(a.ResultingActivities) != 1 || a.ResultingActivities[0].Kind != crm.KindEmail {
		t.Fatalf("unexpected refs %v", a.ResultingActivities)
	}
	if a.Details.String("subject") != "Pricing" {
		t.Fatalf("details not decoded: %v", a.Details)
	}
	if a.MetaString("compose_error") != "timeout" {
		t.Fatalf("metadata not decoded: %v", a.Metadata)
	}
	if a.LastEditedBy != crm.ActorHuman || a.ApprovedBy != "u-7" || a.ExecutedAt != nil {
		t.Fatalf("unexpected audit fields: %#v", a)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListActionsWithPendingResults(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(pendingResultsQuery)).
		WithArgs("opp-1", "EXECUTED", "scheduled").
		WillReturnRows(sqlmock.NewRows(actionCols))

	actions, err := st.ListActionsWithPendingResults(context.Background(), "opp-1")
	if err != nil {
		t.Fatalf("ListActionsWithPendingResults: %v", err)
	}
	if len(actions) != 0 {
		t.Fatalf("expected no actions, got %d", len(actions))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithTxCommitsAndRollsBack(t *testing.T) {
	st, mock := newMock(t)
	update := regexp.QuoteMeta(`UPDATE opportunities SET stage_id=$2, updated_at=NOW() WHERE id=$1`)

	mock.ExpectBegin()
	mock.ExpectExec(update).WithArgs("opp-1", "s-prop").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var hooks []string
	err := st.WithTx(context.Background(), func(tx crm.Tx) error {
		tx.AfterCommit(func() { hooks = append(hooks, "committed") })
		return tx.UpdateOpportunityStage(context.Background(), "opp-1", "s-prop")
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if len(hooks) != 1 {
		t.Fatalf("after-commit hook must run once, got %v", hooks)
	}

	mock.ExpectBegin()
	mock.ExpectExec(update).WithArgs("opp-x", "s-prop").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = st.WithTx(context.Background(), func(tx crm.Tx) error {
		tx.AfterCommit(func() { hooks = append(hooks, "rolled back") })
		return tx.UpdateOpportunityStage(context.Background(), "opp-x", "s-prop")
	})
	if !errors.Is(err, crm.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(hooks) != 1 {
		t.Fatalf("hooks must not run on rollback, got %v", hooks)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDeleteActivityFailureKeepsTransactionUsable(t *testing.T) {
	st, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SAVEPOINT delete_activity")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM activities WHERE id=$1`)).
		WithArgs("a-1").
		WillReturnError(errors.New("lock timeout"))
	mock.ExpectExec(regexp.QuoteMeta("ROLLBACK TO SAVEPOINT delete_activity")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE activities SET origin_action_id=$2 WHERE id=$1`)).
		WithArgs("a-2", "act-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := st.WithTx(context.Background(), func(tx crm.Tx) error {
		if err := tx.DeleteActivity(context.Background(), "a-1"); err == nil {
			t.Fatalf("expected delete error")
		}
		return tx.SetActivityOrigin(context.Background(), "a-2", "act-1")
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestReleaseAttachments(t *testing.T) {
	st, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SAVEPOINT release_attachments")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE attachments SET action_id=NULL WHERE action_id=$1 AND id = ANY($2)`)).
		WithArgs("act-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("RELEASE SAVEPOINT release_attachments")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := st.WithTx(context.Background(), func(tx crm.Tx) error {
		if err := tx.ReleaseAttachments(context.Background(), "act-1", nil); err != nil {
			return err
		}
		return tx.ReleaseAttachments(context.Background(), "act-1", []string{"att-1", "att-2"})
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetActionForUpdateNotFound(t *testing.T) {
	st, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ` + actionColumns + ` FROM proposed_actions WHERE id=$1 FOR UPDATE`)).
		WithArgs("act-404").
		WillReturnRows(sqlmock.NewRows(actionCols))
	mock.ExpectRollback()

	err := st.WithTx(context.Background(), func(tx crm.Tx) error {
		_, err := tx.GetActionForUpdate(context.Background(), "act-404")
		return err
	})
	if !errors.Is(err, crm.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertActionClaimsAttachments(t *testing.T) {
	st, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO proposed_actions`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE attachments SET action_id=$1 WHERE id = ANY($2)`)).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	a := crm.ProposedAction{
		OpportunityID: "opp-1",
		Type:          crm.ActionEmail,
		Status:        crm.StatusProposed,
		Details:       crm.Details{"subject": "Hi"},
		Priority:      2,
		CreatedBy:     crm.ActorOracle,
		LastEditedBy:  crm.ActorOracle,
		AttachmentIDs: []string{"att-1"},
	}
	err := st.WithTx(context.Background(), func(tx crm.Tx) error {
		return tx.InsertAction(context.Background(), &a)
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if a.ID == "" || a.CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamps to be assigned: %#v", a)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestEnsureContactIntelligence(t *testing.T) {
	st, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(ensureIntelligenceQuery)).
		WithArgs("opp-1", "c-1").
		WillReturnRows(sqlmock.NewRows([]string{"engagement_score", "responsiveness", "roles", "last_contacted_at"}).
			AddRow(7, "high", "{champion,economic_buyer}", nil))

	ci, err := st.EnsureContactIntelligence(context.Background(), "opp-1", "c-1")
	if err != nil {
		t.Fatalf("EnsureContactIntelligence: %v", err)
	}
	if ci.EngagementScore != 7 || ci.Responsiveness != "high" || len(ci.Roles) != 2 {
		t.Fatalf("unexpected intelligence %#v", ci)
	}
	if ci.LastContactedAt != nil {
		t.Fatalf("expected nil last contacted")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRecordUsage(t *testing.T) {
	st, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO llm_usage_events`)).
		WithArgs(sqlmock.AnyArg(), "proposal", "gpt-4o-mini", "prompt", "output", int64(1500),
			int64(120), int64(40), sqlmock.AnyArg(), 0.25, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	sink := UsageSink{Store: st}
	err := sink.Record(context.Background(), llm.UsageEvent{
		Operation:        "proposal",
		Model:            "gpt-4o-mini",
		Prompt:           "prompt",
		Output:           "output",
		Latency:          1500 * time.Millisecond,
		PromptTokens:     120,
		CompletionTokens: 40,
		SampleRate:       0.25,
		OccurredAt:       now,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
