package crm

import (
	"strings"
	"time"
)

// DealContext is the immutable snapshot every agent works from.
type DealContext struct {
	Opportunity  Opportunity      `json:"opportunity"`
	Stage        PipelineStage    `json:"stage"`
	Stages       []PipelineStage  `json:"stages"`
	Contacts     []ContactContext `json:"contacts"`
	Activities   []Activity       `json:"activities"`
	FutureEvents []Activity       `json:"future_events"`
	Intelligence DealIntelligence `json:"intelligence"`
	OpenActions  []ProposedAction `json:"open_actions"`
	AssembledAt  time.Time        `json:"assembled_at"`
}

// Activity finds a recent activity or future event by id.
func (c *DealContext) Activity(id string) (Activity, bool) {
	for _, a := range c.Activities {
		if a.ID == id {
			return a, true
		}
	}
	for _, a := range c.FutureEvents {
		if a.ID == id {
			return a, true
		}
	}
	return Activity{}, false
}

// MostRecentActivity returns the newest recent activity, if any.
func (c *DealContext) MostRecentActivity() (Activity, bool) {
	var best Activity
	found := false
	for _, a := range c.Activities {
		if !found || a.OccurredAt.After(best.OccurredAt) {
			best, found = a, true
		}
	}
	return best, found
}

// OpenAction finds an open (or pending-result) proposal by id.
func (c *DealContext) OpenAction(id string) (ProposedAction, bool) {
	for _, a := range c.OpenActions {
		if a.ID == id {
			return a, true
		}
	}
	return ProposedAction{}, false
}

// FutureEvent finds an upcoming calendar commitment by id.
func (c *DealContext) FutureEvent(id string) (Activity, bool) {
	for _, a := range c.FutureEvents {
		if a.ID == id {
			return a, true
		}
	}
	return Activity{}, false
}

// StageByRef resolves a stage by id or, failing that, by case-insensitive name.
func (c *DealContext) StageByRef(ref string) (PipelineStage, bool) {
	ref = strings.TrimSpace(ref)
	for _, s := range c.Stages {
		if s.ID == ref {
			return s, true
		}
	}
	for _, s := range c.Stages {
		if strings.EqualFold(s.Name, ref) {
			return s, true
		}
	}
	return PipelineStage{}, false
}

// GroundTruth builds the identifier sets oracle output is checked against.
func (c *DealContext) GroundTruth() GroundTruth {
	gt := GroundTruth{
		Emails:      make(map[string]struct{}, len(c.Contacts)),
		ActivityIDs: make(map[string]struct{}, len(c.Activities)+len(c.FutureEvents)),
	}
	for _, cc := range c.Contacts {
		if e := NormalizeEmail(cc.Contact.Email); e != "" {
			gt.Emails[e] = struct{}{}
		}
	}
	for _, a := range c.Activities {
		gt.ActivityIDs[a.ID] = struct{}{}
	}
	for _, a := range c.FutureEvents {
		gt.ActivityIDs[a.ID] = struct{}{}
	}
	return gt
}

// GroundTruth holds the real contact emails and activity ids of a context.
type GroundTruth struct {
	Emails      map[string]struct{}
	ActivityIDs map[string]struct{}
}

// HasEmail reports whether e belongs to a known contact.
func (g GroundTruth) HasEmail(e string) bool {
	_, ok := g.Emails[NormalizeEmail(e)]
	return ok
}

// HasActivity reports whether id is a known activity.
func (g GroundTruth) HasActivity(id string) bool {
	_, ok := g.ActivityIDs[strings.TrimSpace(id)]
	return ok
}

// NormalizeEmail lowercases and trims an address for comparison.
func NormalizeEmail(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}
