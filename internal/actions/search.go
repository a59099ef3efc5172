package actions

import (
	"fmt"

	"github.com/blevesearch/bleve"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/helpers"
)

type activityDoc struct {
	Kind    string `json:"kind"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// searchActivities ranks the context's activities against question with
// BM25 and returns at most k of them.
func searchActivities(activities []crm.Activity, question string, k int) ([]crm.Activity, error) {
	if len(activities) == 0 || k <= 0 {
		return nil, nil
	}
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("open evidence index: %w", err)
	}
	defer index.Close()

	byID := make(map[string]crm.Activity, len(activities))
	batch := index.NewBatch()
	for _, a := range activities {
		byID[a.ID] = a
		doc := activityDoc{Kind: string(a.Kind), Subject: a.Subject, Body: helpers.SanitizePlainText(a.Body)}
		if err := batch.Index(a.ID, doc); err != nil {
			return nil, fmt.Errorf("index activity %s: %w", a.ID, err)
		}
	}
	if err := index.Batch(batch); err != nil {
		return nil, fmt.Errorf("index activities: %w", err)
	}

	query := bleve.NewMatchQuery(question)
	req := bleve.NewSearchRequestOptions(query, k, 0, false)
	res, err := index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search activities: %w", err)
	}
	out := make([]crm.Activity, 0, len(res.Hits))
	for _, hit := range res.Hits {
		if a, ok := byID[hit.ID]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}
