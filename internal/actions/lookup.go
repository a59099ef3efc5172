package actions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/helpers"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/llm"
)

const (
	lookupEvidence         = 5
	defaultMinConfidence   = 0.5
	defaultLookupFetchTime = 10 * time.Second
)

// notFoundPhrases mark an answer that admits it found nothing.
var notFoundPhrases = []string{
	"not found",
	"no information",
	"could not find",
	"couldn't find",
	"unable to find",
	"unable to determine",
	"no relevant",
	"insufficient information",
	"not available",
}

// notFoundAnswers are whole answers that say nothing.
var notFoundAnswers = map[string]bool{"unknown": true, "n/a": true, "none": true, "-": true}

const lookupSchema = `{
  "type": "object",
  "required": ["question"],
  "properties": {
    "question": {"type": "string", "minLength": 1},
    "sources": {"type": "array", "items": {"type": "string"}},
    "answer": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "evidence_activity_ids": {"type": "array", "items": {"type": "string"}}
  }
}`

var lookupComposeSchema = llm.MustCompileSchema("compose_lookup", []byte(`{
  "type": "object",
  "required": ["answer", "confidence"],
  "properties": {
    "answer": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "evidence_activity_ids": {"type": "array", "items": {"type": "string"}}
  }
}`))

type lookupDetails struct {
	Question            string   `json:"question"`
	Sources             []string `json:"sources,omitempty"`
	Answer              string   `json:"answer,omitempty"`
	Confidence          *float64 `json:"confidence,omitempty"`
	EvidenceActivityIDs []string `json:"evidence_activity_ids,omitempty"`
}

type lookupHandler struct {
	base
	deps Deps
}

func newLookupHandler(deps Deps) *lookupHandler {
	return &lookupHandler{
		base: newBase(crm.ActionLookup,
			"Answer a factual question about the deal from the activity history and optional public source URLs before deciding on outreach.",
			lookupSchema),
		deps: deps,
	}
}

func (h *lookupHandler) ValidateDetails(action crm.ProposedAction, _ *crm.DealContext, gt crm.GroundTruth) (crm.Details, error) {
	var d lookupDetails
	if err := h.decode(action.Details, &d); err != nil {
		return nil, err
	}
	d.Question = helpers.SanitizePlainText(d.Question)
	if d.Question == "" {
		return nil, invalid(h.kind, "question is empty")
	}
	valid, dropped := helpers.DedupeSources(d.Sources)
	if len(dropped) > 0 {
		h.deps.logger().Printf("lookup %s: dropped invalid sources %v", action.ID, dropped)
	}
	d.Sources = valid
	ids := d.EvidenceActivityIDs[:0]
	for _, id := range d.EvidenceActivityIDs {
		if gt.HasActivity(id) {
			ids = append(ids, id)
		}
	}
	d.EvidenceActivityIDs = ids
	return crm.DetailsFrom(d)
}

func (h *lookupHandler) ComposeContent(ctx context.Context, action crm.ProposedAction, dc *crm.DealContext) (map[string]interface{}, error) {
	var d lookupDetails
	if err := action.Details.Decode(&d); err != nil {
		return nil, invalid(h.kind, "%v", err)
	}
	var b strings.Builder
	b.WriteString("Answer the question using only the evidence below. Give a confidence between 0 and 1. ")
	b.WriteString("If the evidence does not contain the answer, reply with an empty answer and confidence 0.\n\nQuestion: ")
	b.WriteString(d.Question)

	hits, err := searchActivities(dc.Activities, d.Question, lookupEvidence)
	if err != nil {
		h.deps.logger().Printf("lookup %s: evidence search failed: %v", action.ID, err)
	}
	if len(hits) > 0 {
		b.WriteString("\n\nMatching activities:")
		for _, a := range hits {
			fmt.Fprintf(&b, "\n- [%s] %s %s: %s", a.ID, a.Kind, a.OccurredAt.Format("2006-01-02"), helpers.TruncateRunes(helpers.SanitizePlainText(a.Subject+" "+a.Body), 600))
		}
	}
	for _, art := range h.fetchSources(ctx, action.ID, d.Sources) {
		fmt.Fprintf(&b, "\n\nSource %s (%s):\n%s", art.URL, art.Title, art.Text)
	}

	obj, err := compose(ctx, h.deps.Oracle, "compose.lookup", b.String(), action, dc, lookupComposeSchema)
	if err != nil {
		return nil, err
	}
	content := UnwrapResult(obj)
	if ans, ok := content["answer"].(string); ok {
		content["answer"] = helpers.SanitizePlainText(ans)
	}
	return obj, nil
}

func (h *lookupHandler) fetchSources(ctx context.Context, actionID string, sources []string) []Article {
	if h.deps.Fetcher == nil || len(sources) == 0 {
		return nil
	}
	timeout := h.deps.FetchTimeout
	if timeout <= 0 {
		timeout = defaultLookupFetchTime
	}
	var out []Article
	for _, src := range sources {
		fctx, cancel := context.WithTimeout(ctx, timeout)
		art, err := h.deps.Fetcher.Fetch(fctx, src)
		cancel()
		if err != nil {
			h.deps.logger().Printf("lookup %s: source %s skipped: %v", actionID, src, err)
			continue
		}
		if art.Text != "" {
			out = append(out, art)
		}
	}
	return out
}

// Convert turns an unanswered lookup into a manual research task.
func (h *lookupHandler) Convert(action crm.ProposedAction, composed crm.Details) (crm.ProposedAction, bool) {
	if h.answered(composed) {
		return action, false
	}
	question := composed.String("question")
	task := action.Clone()
	task.Type = crm.ActionTask
	task.Details = crm.Details{
		"title":                 helpers.TruncateRunes("Research: "+question, 120),
		"description":           "Automatic lookup could not answer: " + question,
		"converted_from_lookup": true,
		"lookup_question":       question,
	}
	task.SetMeta("converted_from_lookup", true)
	return task, true
}

func (h *lookupHandler) answered(d crm.Details) bool {
	answer := strings.ToLower(d.String("answer"))
	if answer == "" {
		return false
	}
	threshold := h.deps.MinConfidence
	if threshold <= 0 {
		threshold = defaultMinConfidence
	}
	conf, ok := d["confidence"].(float64)
	if !ok || conf < threshold {
		return false
	}
	if notFoundAnswers[strings.Trim(answer, " .")] {
		return false
	}
	for _, p := range notFoundPhrases {
		if strings.Contains(answer, p) {
			return false
		}
	}
	return true
}

func (h *lookupHandler) Execute(ctx context.Context, action crm.ProposedAction, _ string, tx crm.Tx) (ExecResult, error) {
	var d lookupDetails
	if err := action.Details.Decode(&d); err != nil {
		return ExecResult{}, fmt.Errorf("decode lookup details: %w", err)
	}
	if d.Answer == "" {
		return ExecResult{}, fmt.Errorf("lookup %s has no answer", action.ID)
	}
	act := newActivity(action, crm.KindNote, h.deps.now())
	act.Direction = crm.DirectionInternal
	act.Subject = "Lookup: " + d.Question
	act.Body = d.Answer
	act.Status = crm.ActivityCompleted
	if err := tx.InsertActivity(ctx, act); err != nil {
		return ExecResult{}, fmt.Errorf("insert lookup note: %w", err)
	}
	return ExecResult{Activity: refOf(act), Summary: "lookup answered"}, nil
}
