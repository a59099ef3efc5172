package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
)

const opportunityQuery = `
SELECT id, name, owner_id, stage_id, intelligence, artifacts, created_at, updated_at
FROM opportunities
WHERE id=$1
`

const opportunityContactIDsQuery = `
SELECT contact_id FROM opportunity_contacts WHERE opportunity_id=$1 ORDER BY position, contact_id
`

func getOpportunity(ctx context.Context, q querier, id string) (crm.Opportunity, error) {
	var (
		o                      crm.Opportunity
		intelligence, artifact []byte
	)
	err := q.QueryRowContext(ctx, opportunityQuery, id).Scan(
		&o.ID, &o.Name, &o.OwnerID, &o.StageID, &intelligence, &artifact, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return crm.Opportunity{}, crm.NotFound("opportunity", id)
	}
	if err != nil {
		return crm.Opportunity{}, fmt.Errorf("get opportunity %s: %w", id, err)
	}
	if err := unmarshalJSON(intelligence, &o.Intelligence); err != nil {
		return crm.Opportunity{}, fmt.Errorf("decode intelligence: %w", err)
	}
	if err := unmarshalJSON(artifact, &o.Artifacts); err != nil {
		return crm.Opportunity{}, fmt.Errorf("decode artifacts: %w", err)
	}
	rows, err := q.QueryContext(ctx, opportunityContactIDsQuery, id)
	if err != nil {
		return crm.Opportunity{}, fmt.Errorf("list opportunity contacts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cid string
		if err := rows.Scan(&cid); err != nil {
			return crm.Opportunity{}, err
		}
		o.ContactIDs = append(o.ContactIDs, cid)
	}
	return o, rows.Err()
}

func (s *Store) GetOpportunity(ctx context.Context, id string) (crm.Opportunity, error) {
	return getOpportunity(ctx, s.DB, id)
}

func (s *Store) ListPipelineStages(ctx context.Context) ([]crm.PipelineStage, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, name, position, closed FROM pipeline_stages ORDER BY position, id`)
	if err != nil {
		return nil, fmt.Errorf("list pipeline stages: %w", err)
	}
	defer rows.Close()
	var out []crm.PipelineStage
	for rows.Next() {
		var st crm.PipelineStage
		if err := rows.Scan(&st.ID, &st.Name, &st.Order, &st.Closed); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) ListContacts(ctx context.Context, opportunityID string) ([]crm.Contact, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT c.id, c.first_name, c.last_name, c.email, COALESCE(c.title,''), COALESCE(c.company,'')
FROM contacts c
JOIN opportunity_contacts oc ON oc.contact_id = c.id
WHERE oc.opportunity_id=$1
ORDER BY oc.position, c.id
`, opportunityID)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()
	var out []crm.Contact
	for rows.Next() {
		var c crm.Contact
		if err := rows.Scan(&c.ID, &c.FirstName, &c.LastName, &c.Email, &c.Title, &c.Company); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const ensureIntelligenceQuery = `
INSERT INTO contact_intelligence (opportunity_id, contact_id)
VALUES ($1, $2)
ON CONFLICT (opportunity_id, contact_id) DO UPDATE SET opportunity_id = EXCLUDED.opportunity_id
RETURNING engagement_score, responsiveness, roles, last_contacted_at
`

func (s *Store) EnsureContactIntelligence(ctx context.Context, opportunityID, contactID string) (crm.ContactIntelligence, error) {
	ci := crm.ContactIntelligence{OpportunityID: opportunityID, ContactID: contactID}
	var last sql.NullTime
	err := s.DB.QueryRowContext(ctx, ensureIntelligenceQuery, opportunityID, contactID).Scan(
		&ci.EngagementScore, &ci.Responsiveness, pq.Array(&ci.Roles), &last,
	)
	if err != nil {
		if foreignKeyViolation(err) {
			return crm.ContactIntelligence{}, crm.NotFound("contact", contactID)
		}
		return crm.ContactIntelligence{}, fmt.Errorf("ensure contact intelligence: %w", err)
	}
	ci.LastContactedAt = timePtr(last)
	return ci, nil
}

// ListActiveOpportunityIDs returns opportunities whose stage is not closed.
func (s *Store) ListActiveOpportunityIDs(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT o.id FROM opportunities o
JOIN pipeline_stages st ON st.id = o.stage_id
WHERE NOT st.closed
ORDER BY o.id
`)
	if err != nil {
		return nil, fmt.Errorf("list active opportunities: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (t *pgTx) GetOpportunity(ctx context.Context, id string) (crm.Opportunity, error) {
	return getOpportunity(ctx, t.tx, id)
}

func (t *pgTx) UpdateOpportunityStage(ctx context.Context, opportunityID, stageID string) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE opportunities SET stage_id=$2, updated_at=NOW() WHERE id=$1`, opportunityID, stageID)
	if err != nil {
		if foreignKeyViolation(err) {
			return crm.NotFound("stage", stageID)
		}
		return fmt.Errorf("update opportunity stage: %w", err)
	}
	return expectRow(res, "opportunity", opportunityID)
}

func (t *pgTx) CreateContact(ctx context.Context, opportunityID string, c *crm.Contact) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, err := t.tx.ExecContext(ctx, `
INSERT INTO contacts (id, first_name, last_name, email, title, company)
VALUES ($1, $2, $3, $4, $5, $6)
`, c.ID, c.FirstName, c.LastName, c.Email, nullString(c.Title), nullString(c.Company)); err != nil {
		return fmt.Errorf("insert contact: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `
INSERT INTO opportunity_contacts (opportunity_id, contact_id, position)
SELECT $1, $2, COALESCE(MAX(position)+1, 0) FROM opportunity_contacts WHERE opportunity_id=$1
`, opportunityID, c.ID); err != nil {
		if foreignKeyViolation(err) {
			return crm.NotFound("opportunity", opportunityID)
		}
		return fmt.Errorf("link contact: %w", err)
	}
	return nil
}

func (t *pgTx) UpsertContactIntelligence(ctx context.Context, ci crm.ContactIntelligence) error {
	roles := ci.Roles
	if roles == nil {
		roles = []string{}
	}
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO contact_intelligence (opportunity_id, contact_id, engagement_score, responsiveness, roles, last_contacted_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (opportunity_id, contact_id) DO UPDATE SET
  engagement_score = EXCLUDED.engagement_score,
  responsiveness = EXCLUDED.responsiveness,
  roles = EXCLUDED.roles,
  last_contacted_at = EXCLUDED.last_contacted_at
`, ci.OpportunityID, ci.ContactID, ci.EngagementScore, ci.Responsiveness, pq.Array(roles), nullTime(ci.LastContactedAt))
	if err != nil {
		return fmt.Errorf("upsert contact intelligence: %w", err)
	}
	return nil
}
