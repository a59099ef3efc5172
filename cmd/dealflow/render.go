package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/pipeline"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderActions(w io.Writer, title string, list []crm.ProposedAction) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	if title != "" {
		tw.SetTitle(title)
	}
	tw.AppendHeader(table.Row{"ID", "Type", "Status", "Priority", "Summary", "Sources"})
	for _, a := range list {
		tw.AppendRow(table.Row{a.ID, a.Type, a.Status, a.Priority, summarize(a), strings.Join(a.SourceActivityIDs, ",")})
	}
	if len(list) == 0 {
		tw.AppendRow(table.Row{"-", "", "", "", "no actions", ""})
	}
	tw.Render()
}

func renderReevaluation(w io.Writer, r *pipeline.Reevaluation) {
	if r.Generated {
		fmt.Fprintln(w, "no open work; proposed fresh actions")
	} else if r.Evaluation.Fallback {
		fmt.Fprintln(w, "evaluation unavailable; kept every open action")
	}
	if r.Evaluation.Justification != "" {
		fmt.Fprintln(w, r.Evaluation.Justification)
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetTitle("Decisions")
	tw.AppendHeader(table.Row{"Target", "Decision", "Reasoning"})
	for _, d := range r.Evaluation.Proposals {
		tw.AppendRow(table.Row{d.ProposalID, d.Decision, d.Reasoning})
	}
	for _, d := range r.Evaluation.Events {
		tw.AppendRow(table.Row{d.EventID, d.Decision, d.Reasoning})
	}
	tw.Render()

	if len(r.Cancelled) > 0 {
		renderActions(w, "Cancelled", r.Cancelled)
	}
	if len(r.Modified) > 0 {
		renderActions(w, "Modified", r.Modified)
	}
	if len(r.Created) > 0 {
		renderActions(w, "Created", r.Created)
	}
}

// summarize picks the most telling detail field for a one-line view.
func summarize(a crm.ProposedAction) string {
	for _, k := range []string{"subject", "title", "question", "message", "stage_name", "email"} {
		if s := a.Details.String(k); s != "" {
			if len(s) > 60 {
				return s[:57] + "..."
			}
			return s
		}
	}
	return a.Reasoning
}
