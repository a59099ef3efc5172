package actions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
)

func TestMeetingValidate(t *testing.T) {
	f := newFixture()
	h, _ := f.registry().Get(crm.ActionMeeting)
	future := testNow.Add(72 * time.Hour).Format(time.RFC3339)
	past := testNow.Add(-time.Hour).Format(time.RFC3339)

	bad := map[string]crm.Details{
		"past start":         {"mode": "create", "attendees": []string{"dana@acme.test"}, "start": past},
		"too long":           {"mode": "create", "attendees": []string{"dana@acme.test"}, "start": future, "duration_minutes": 300},
		"too short":          {"mode": "create", "attendees": []string{"dana@acme.test"}, "start": future, "duration_minutes": 10},
		"unknown attendee":   {"mode": "create", "attendees": []string{"x@y.test"}, "start": future},
		"update unknown id":  {"mode": "update", "existing_activity_id": "act-ghost"},
		"cancel non-meeting": {"mode": "cancel", "existing_activity_id": "act-email"},
	}
	for name, d := range bad {
		if _, err := h.ValidateDetails(draft(crm.ActionMeeting, d), f.dc, f.gt); !errors.Is(err, crm.ErrInvalidOracleOutput) {
			t.Fatalf("%s: expected invalid output, got %v", name, err)
		}
	}

	got, err := h.ValidateDetails(draft(crm.ActionMeeting, crm.Details{"attendees": []string{"dana@acme.test"}, "start": future}), f.dc, f.gt)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got["mode"] != "create" || got["duration_minutes"] != float64(30) {
		t.Fatalf("expected create with default duration, got %v", got)
	}
}

func TestMeetingExecuteCreateAndCancel(t *testing.T) {
	f := newFixture()
	h, _ := f.registry().Get(crm.ActionMeeting)
	ctx := context.Background()
	start := testNow.Add(72 * time.Hour)

	create := draft(crm.ActionMeeting, crm.Details{"mode": "create", "title": "Pilot review", "attendees": []string{"dana@acme.test"}, "start": start.Format(time.RFC3339), "duration_minutes": 45})
	var res ExecResult
	if err := f.repo.WithTx(ctx, func(tx crm.Tx) error {
		var err error
		res, err = h.Execute(ctx, create, "u", tx)
		return err
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Activity == nil || len(f.calendar.Created) != 1 {
		t.Fatalf("expected calendar event and activity ref")
	}
	act, _ := f.repo.Activity(res.Activity.ID)
	if act.Status != crm.ActivityScheduled || act.EndAt.Sub(*act.StartAt) != 45*time.Minute {
		t.Fatalf("unexpected meeting activity %#v", act)
	}

	cancel := draft(crm.ActionMeeting, crm.Details{"mode": "cancel", "existing_activity_id": "act-meet"})
	if err := f.repo.WithTx(ctx, func(tx crm.Tx) error {
		var err error
		res, err = h.Execute(ctx, cancel, "u", tx)
		return err
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Activity != nil {
		t.Fatalf("cancel must not report a resulting activity")
	}
	if len(f.calendar.Cancelled) != 1 || f.calendar.Cancelled[0] != "cal-ext-1" {
		t.Fatalf("expected provider cancel, got %v", f.calendar.Cancelled)
	}
	if m, _ := f.repo.Activity("act-meet"); m.Status != crm.ActivityCancelled {
		t.Fatalf("meeting must be marked cancelled, got %s", m.Status)
	}
}

func TestMeetingRescheduleKeepsLength(t *testing.T) {
	f := newFixture()
	em, _ := EventManagerOf(f.registry())
	ctx := context.Background()
	newStart := testNow.Add(96 * time.Hour)

	if err := f.repo.WithTx(ctx, func(tx crm.Tx) error {
		ev, err := tx.GetActivity(ctx, "act-meet")
		if err != nil {
			return err
		}
		return em.RescheduleEvent(ctx, tx, ev, newStart, 0)
	}); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	m, _ := f.repo.Activity("act-meet")
	if !m.StartAt.Equal(newStart) || m.EndAt.Sub(*m.StartAt) != time.Hour {
		t.Fatalf("unexpected rescheduled meeting %v-%v", m.StartAt, m.EndAt)
	}
	if _, ok := f.calendar.Updated["cal-ext-1"]; !ok {
		t.Fatalf("provider must receive the update")
	}
}
