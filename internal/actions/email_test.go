package actions

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
)

func TestEmailValidateNormalisesAgainstGroundTruth(t *testing.T) {
	f := newFixture()
	h, _ := f.registry().Get(crm.ActionEmail)

	got, err := h.ValidateDetails(draft(crm.ActionEmail, crm.Details{
		"to":                   []string{" Dana@Acme.test ", "dana@acme.test"},
		"cc":                   []string{"cfo@acme.test"},
		"subject":              "Re: pricing",
		"body":                 `<p>Hi<script>x()</script></p>`,
		"reply_to_activity_id": "act-email",
	}), f.dc, f.gt)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	to, _ := got["to"].([]interface{})
	if len(to) != 1 || to[0] != "dana@acme.test" {
		t.Fatalf("expected one normalised recipient, got %v", got["to"])
	}
	if got["thread_id"] != "thr-1" {
		t.Fatalf("reply must inherit the thread, got %v", got["thread_id"])
	}
	if strings.Contains(got.String("body"), "script") {
		t.Fatalf("body must be sanitised: %s", got.String("body"))
	}
}

func TestEmailValidateRejectsHallucinations(t *testing.T) {
	f := newFixture()
	h, _ := f.registry().Get(crm.ActionEmail)
	cases := map[string]crm.Details{
		"unknown recipient": {"to": []string{"ghost@nowhere.test"}},
		"no recipients":     {"to": []string{}},
		"unknown reply-to":  {"to": []string{"dana@acme.test"}, "reply_to_activity_id": "act-ghost"},
	}
	for name, d := range cases {
		_, err := h.ValidateDetails(draft(crm.ActionEmail, d), f.dc, f.gt)
		if !errors.Is(err, crm.ErrInvalidOracleOutput) {
			t.Fatalf("%s: expected invalid output error, got %v", name, err)
		}
	}
}

func TestEmailExecuteSendsOrSchedules(t *testing.T) {
	f := newFixture()
	h, _ := f.registry().Get(crm.ActionEmail)
	ctx := context.Background()

	now := draft(crm.ActionEmail, crm.Details{"to": []string{"dana@acme.test"}, "subject": "Hi", "body": "<p>Body</p>"})
	var sent ExecResult
	if err := f.repo.WithTx(ctx, func(tx crm.Tx) error {
		var err error
		sent, err = h.Execute(ctx, now, "user-1", tx)
		return err
	}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if sent.Activity == nil || len(f.mailer.Sent) != 1 {
		t.Fatalf("expected immediate send with activity ref, got %#v", sent)
	}
	act, _ := f.repo.Activity(sent.Activity.ID)
	if act.Status != crm.ActivitySent || act.ExternalRef == "" || act.OriginActionID != "pa-1" {
		t.Fatalf("unexpected sent activity %#v", act)
	}

	later := draft(crm.ActionEmail, crm.Details{"to": []string{"dana@acme.test"}, "subject": "Hi", "body": "<p>Body</p>", "scheduled_for": testNow.Add(24 * time.Hour).Format(time.RFC3339)})
	later.ID = "pa-2"
	var scheduled ExecResult
	if err := f.repo.WithTx(ctx, func(tx crm.Tx) error {
		var err error
		scheduled, err = h.Execute(ctx, later, "user-1", tx)
		return err
	}); err != nil {
		t.Fatalf("execute scheduled: %v", err)
	}
	act, _ = f.repo.Activity(scheduled.Activity.ID)
	if act.Status != crm.ActivityScheduled || len(f.mailer.Scheduled) != 1 {
		t.Fatalf("expected scheduled email, got %#v", act)
	}
	if !act.Cleanable() {
		t.Fatalf("scheduled email must be cleanable")
	}

	if err := h.(Unwinder).Unwind(ctx, act); err != nil {
		t.Fatalf("unwind: %v", err)
	}
	if len(f.mailer.Cancelled) != 1 || f.mailer.Cancelled[0] != act.ExternalRef {
		t.Fatalf("expected provider cancel of %s, got %v", act.ExternalRef, f.mailer.Cancelled)
	}
}

func TestEmailExecuteProviderFailureRollsBack(t *testing.T) {
	f := newFixture()
	f.mailer.Err = errors.New("smtp down")
	h, _ := f.registry().Get(crm.ActionEmail)
	ctx := context.Background()
	before := len(f.repo.Activities)

	err := f.repo.WithTx(ctx, func(tx crm.Tx) error {
		_, err := h.Execute(ctx, draft(crm.ActionEmail, crm.Details{"to": []string{"dana@acme.test"}, "subject": "Hi", "body": "b"}), "u", tx)
		return err
	})
	if err == nil || !strings.Contains(err.Error(), "smtp down") {
		t.Fatalf("expected provider error, got %v", err)
	}
	if len(f.repo.Activities) != before {
		t.Fatalf("activity insert must roll back with the transaction")
	}
}

func TestEmailComposeSanitises(t *testing.T) {
	f := newFixture()
	f.oracle.On("compose.email", map[string]interface{}{
		"result": map[string]interface{}{"subject": "<b>Pricing</b>", "body": `<p onclick="x()">Hello Dana</p>`},
	})
	h, _ := f.registry().Get(crm.ActionEmail)
	out, err := h.ComposeContent(context.Background(), draft(crm.ActionEmail, crm.Details{"to": []string{"dana@acme.test"}}), f.dc)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	content := UnwrapResult(out)
	if content["subject"] != "Pricing" || content["body"] != "<p>Hello Dana</p>" {
		t.Fatalf("unexpected composed content %v", content)
	}
	req, _ := f.oracle.Last("compose.email")
	if !strings.Contains(req.Messages[1].Content, "Acme rollout") {
		t.Fatalf("compose prompt must carry the deal brief")
	}
}
