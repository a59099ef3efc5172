// Package commstest provides recording providers for tests.
package commstest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/comms"
)

// Mailer records every call. Set Err to make calls fail.
type Mailer struct {
	mu         sync.Mutex
	Sent       []comms.Message
	Scheduled  []comms.Message
	ScheduleAt []time.Time
	Cancelled  []string
	Err        error
	seq        int
}

func (m *Mailer) Send(_ context.Context, msg comms.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.seq++
	m.Sent = append(m.Sent, msg)
	return fmt.Sprintf("mail-%d", m.seq), nil
}

func (m *Mailer) Schedule(_ context.Context, msg comms.Message, at time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.seq++
	m.Scheduled = append(m.Scheduled, msg)
	m.ScheduleAt = append(m.ScheduleAt, at)
	return fmt.Sprintf("mail-%d", m.seq), nil
}

func (m *Mailer) CancelScheduled(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Cancelled = append(m.Cancelled, ref)
	return nil
}

// Calendar records every call. Set Err to make calls fail.
type Calendar struct {
	mu        sync.Mutex
	Created   []comms.Event
	Updated   map[string]comms.Event
	Cancelled []string
	Err       error
	seq       int
}

func (c *Calendar) Create(_ context.Context, ev comms.Event) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return "", c.Err
	}
	c.seq++
	c.Created = append(c.Created, ev)
	return fmt.Sprintf("cal-%d", c.seq), nil
}

func (c *Calendar) Update(_ context.Context, ref string, ev comms.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	if c.Updated == nil {
		c.Updated = make(map[string]comms.Event)
	}
	c.Updated[ref] = ev
	return nil
}

func (c *Calendar) Cancel(_ context.Context, ref string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	c.Cancelled = append(c.Cancelled, ref)
	return nil
}
