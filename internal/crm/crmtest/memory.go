// Package crmtest provides an in-memory crm.Repository for tests.
package crmtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
)

// Memory is a crm.Repository backed by maps. WithTx snapshots state and
// restores it when fn fails, which mirrors a database rollback.
type Memory struct {
	mu sync.Mutex

	Opportunities map[string]crm.Opportunity
	Stages        []crm.PipelineStage
	Contacts      map[string]crm.Contact
	Intelligence  map[string]crm.ContactIntelligence
	Activities    map[string]crm.Activity
	Actions       map[string]crm.ProposedAction
	// Attachments maps attachment id to the owning action id.
	Attachments map[string]string

	// Failure injection for cleanup paths.
	FailDeleteActivity     error
	FailReleaseAttachments error

	Commits   int
	Rollbacks int
}

// New returns an empty repository.
func New() *Memory {
	return &Memory{
		Opportunities: make(map[string]crm.Opportunity),
		Contacts:      make(map[string]crm.Contact),
		Intelligence:  make(map[string]crm.ContactIntelligence),
		Activities:    make(map[string]crm.Activity),
		Actions:       make(map[string]crm.ProposedAction),
		Attachments:   make(map[string]string),
	}
}

// AddOpportunity seeds an opportunity.
func (m *Memory) AddOpportunity(o crm.Opportunity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Opportunities[o.ID] = o
}

// AddContact seeds a contact and links it to the opportunity.
func (m *Memory) AddContact(opportunityID string, c crm.Contact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Contacts[c.ID] = c
	o := m.Opportunities[opportunityID]
	o.ContactIDs = append(append([]string(nil), o.ContactIDs...), c.ID)
	m.Opportunities[opportunityID] = o
}

// AddActivity seeds an activity.
func (m *Memory) AddActivity(a crm.Activity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Activities[a.ID] = a
}

// AddAction seeds an action and registers its attachments.
func (m *Memory) AddAction(a crm.ProposedAction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Actions[a.ID] = a.Clone()
	for _, id := range a.AttachmentIDs {
		m.Attachments[id] = a.ID
	}
}

// Action returns the stored action, for assertions.
func (m *Memory) Action(id string) crm.ProposedAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Actions[id].Clone()
}

// Activity returns the stored activity and whether it exists.
func (m *Memory) Activity(id string) (crm.Activity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Activities[id]
	return a, ok
}

func (m *Memory) GetOpportunity(_ context.Context, id string) (crm.Opportunity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOpportunity(id)
}

func (m *Memory) getOpportunity(id string) (crm.Opportunity, error) {
	o, ok := m.Opportunities[id]
	if !ok {
		return crm.Opportunity{}, crm.NotFound("opportunity", id)
	}
	return o, nil
}

func (m *Memory) ListPipelineStages(context.Context) ([]crm.PipelineStage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]crm.PipelineStage(nil), m.Stages...), nil
}

func (m *Memory) ListContacts(_ context.Context, opportunityID string) ([]crm.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.getOpportunity(opportunityID)
	if err != nil {
		return nil, err
	}
	var out []crm.Contact
	for _, id := range o.ContactIDs {
		if c, ok := m.Contacts[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func intelKey(opportunityID, contactID string) string { return opportunityID + "|" + contactID }

func (m *Memory) EnsureContactIntelligence(_ context.Context, opportunityID, contactID string) (crm.ContactIntelligence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := intelKey(opportunityID, contactID)
	if ci, ok := m.Intelligence[key]; ok {
		return ci, nil
	}
	ci := crm.ContactIntelligence{OpportunityID: opportunityID, ContactID: contactID, Responsiveness: "unknown"}
	m.Intelligence[key] = ci
	return ci, nil
}

func (m *Memory) ListRecentActivities(_ context.Context, opportunityID string, kind crm.ActivityKind, before time.Time, limit int) ([]crm.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []crm.Activity
	for _, a := range m.Activities {
		if a.OpportunityID != opportunityID || a.Kind != kind || a.OccurredAt.After(before) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListFutureEvents(_ context.Context, opportunityID string, after time.Time, limit int) ([]crm.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []crm.Activity
	for _, a := range m.Activities {
		if a.OpportunityID != opportunityID || !a.Kind.IsCalendar() || a.Status != crm.ActivityScheduled {
			continue
		}
		if a.StartAt == nil || !a.StartAt.After(after) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(*out[j].StartAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListActions(_ context.Context, opportunityID string, statuses ...crm.ActionStatus) ([]crm.ProposedAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[crm.ActionStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []crm.ProposedAction
	for _, a := range m.Actions {
		if a.OpportunityID != opportunityID {
			continue
		}
		if len(want) > 0 && !want[a.Status] {
			continue
		}
		out = append(out, a.Clone())
	}
	sortActions(out)
	return out, nil
}

func (m *Memory) ListActionsWithPendingResults(_ context.Context, opportunityID string) ([]crm.ProposedAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []crm.ProposedAction
	for _, a := range m.Actions {
		if a.OpportunityID != opportunityID || a.Status != crm.StatusExecuted {
			continue
		}
		for _, act := range m.Activities {
			if act.OriginActionID == a.ID && act.Status == crm.ActivityScheduled {
				out = append(out, a.Clone())
				break
			}
		}
	}
	sortActions(out)
	return out, nil
}

func (m *Memory) GetAction(_ context.Context, id string) (crm.ProposedAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Actions[id]
	if !ok {
		return crm.ProposedAction{}, crm.NotFound("action", id)
	}
	return a.Clone(), nil
}

func (m *Memory) ListActiveOpportunityIDs(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	closed := make(map[string]bool)
	for _, s := range m.Stages {
		closed[s.ID] = s.Closed
	}
	var out []string
	for id, o := range m.Opportunities {
		if !closed[o.StageID] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func sortActions(as []crm.ProposedAction) {
	sort.SliceStable(as, func(i, j int) bool {
		if as[i].Priority != as[j].Priority {
			return as[i].Priority < as[j].Priority
		}
		if !as[i].CreatedAt.Equal(as[j].CreatedAt) {
			return as[i].CreatedAt.Before(as[j].CreatedAt)
		}
		return as[i].ID < as[j].ID
	})
}

// WithTx holds the repository lock for the duration of fn. Calling Reader
// methods from inside fn deadlocks, as it would on a single connection.
func (m *Memory) WithTx(ctx context.Context, fn func(tx crm.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snapshot()
	tx := &memTx{m: m}
	if err := fn(tx); err != nil {
		m.restore(snap)
		m.Rollbacks++
		return err
	}
	m.Commits++
	for _, hook := range tx.afterCommit {
		hook()
	}
	return nil
}

type memSnapshot struct {
	opportunities map[string]crm.Opportunity
	contacts      map[string]crm.Contact
	intelligence  map[string]crm.ContactIntelligence
	activities    map[string]crm.Activity
	actions       map[string]crm.ProposedAction
	attachments   map[string]string
}

func (m *Memory) snapshot() memSnapshot {
	s := memSnapshot{
		opportunities: make(map[string]crm.Opportunity, len(m.Opportunities)),
		contacts:      make(map[string]crm.Contact, len(m.Contacts)),
		intelligence:  make(map[string]crm.ContactIntelligence, len(m.Intelligence)),
		activities:    make(map[string]crm.Activity, len(m.Activities)),
		actions:       make(map[string]crm.ProposedAction, len(m.Actions)),
		attachments:   make(map[string]string, len(m.Attachments)),
	}
	for k, v := range m.Opportunities {
		v.ContactIDs = append([]string(nil), v.ContactIDs...)
		s.opportunities[k] = v
	}
	for k, v := range m.Contacts {
		s.contacts[k] = v
	}
	for k, v := range m.Intelligence {
		s.intelligence[k] = v
	}
	for k, v := range m.Activities {
		s.activities[k] = v
	}
	for k, v := range m.Actions {
		s.actions[k] = v.Clone()
	}
	for k, v := range m.Attachments {
		s.attachments[k] = v
	}
	return s
}

func (m *Memory) restore(s memSnapshot) {
	m.Opportunities = s.opportunities
	m.Contacts = s.contacts
	m.Intelligence = s.intelligence
	m.Activities = s.activities
	m.Actions = s.actions
	m.Attachments = s.attachments
}

type memTx struct {
	m           *Memory
	afterCommit []func()
}

func (t *memTx) AfterCommit(fn func()) { t.afterCommit = append(t.afterCommit, fn) }

func (t *memTx) GetOpportunity(_ context.Context, id string) (crm.Opportunity, error) {
	return t.m.getOpportunity(id)
}

func (t *memTx) UpdateOpportunityStage(_ context.Context, opportunityID, stageID string) error {
	o, err := t.m.getOpportunity(opportunityID)
	if err != nil {
		return err
	}
	o.StageID = stageID
	o.UpdatedAt = time.Now().UTC()
	t.m.Opportunities[opportunityID] = o
	return nil
}

func (t *memTx) CreateContact(_ context.Context, opportunityID string, c *crm.Contact) error {
	o, err := t.m.getOpportunity(opportunityID)
	if err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	t.m.Contacts[c.ID] = *c
	o.ContactIDs = append(append([]string(nil), o.ContactIDs...), c.ID)
	t.m.Opportunities[opportunityID] = o
	return nil
}

func (t *memTx) UpsertContactIntelligence(_ context.Context, ci crm.ContactIntelligence) error {
	t.m.Intelligence[intelKey(ci.OpportunityID, ci.ContactID)] = ci
	return nil
}

func (t *memTx) GetActionForUpdate(_ context.Context, id string) (crm.ProposedAction, error) {
	a, ok := t.m.Actions[id]
	if !ok {
		return crm.ProposedAction{}, crm.NotFound("action", id)
	}
	return a.Clone(), nil
}

func (t *memTx) InsertAction(_ context.Context, a *crm.ProposedAction) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	t.m.Actions[a.ID] = a.Clone()
	for _, id := range a.AttachmentIDs {
		t.m.Attachments[id] = a.ID
	}
	return nil
}

func (t *memTx) UpdateAction(_ context.Context, a crm.ProposedAction) error {
	if _, ok := t.m.Actions[a.ID]; !ok {
		return crm.NotFound("action", a.ID)
	}
	a.UpdatedAt = time.Now().UTC()
	t.m.Actions[a.ID] = a.Clone()
	return nil
}

func (t *memTx) GetActivity(_ context.Context, id string) (crm.Activity, error) {
	a, ok := t.m.Activities[id]
	if !ok {
		return crm.Activity{}, crm.NotFound("activity", id)
	}
	return a, nil
}

func (t *memTx) InsertActivity(_ context.Context, a *crm.Activity) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	t.m.Activities[a.ID] = *a
	return nil
}

func (t *memTx) UpdateActivity(_ context.Context, a crm.Activity) error {
	if _, ok := t.m.Activities[a.ID]; !ok {
		return crm.NotFound("activity", a.ID)
	}
	t.m.Activities[a.ID] = a
	return nil
}

func (t *memTx) SetActivityOrigin(_ context.Context, activityID, actionID string) error {
	a, ok := t.m.Activities[activityID]
	if !ok {
		return crm.NotFound("activity", activityID)
	}
	a.OriginActionID = actionID
	t.m.Activities[activityID] = a
	return nil
}

func (t *memTx) DeleteActivity(_ context.Context, id string) error {
	if t.m.FailDeleteActivity != nil {
		return t.m.FailDeleteActivity
	}
	delete(t.m.Activities, id)
	return nil
}

func (t *memTx) ReleaseAttachments(_ context.Context, actionID string, attachmentIDs []string) error {
	if t.m.FailReleaseAttachments != nil {
		return t.m.FailReleaseAttachments
	}
	for _, id := range attachmentIDs {
		if t.m.Attachments[id] == actionID {
			delete(t.m.Attachments, id)
		}
	}
	return nil
}
