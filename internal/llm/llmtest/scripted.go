// Package llmtest provides a scripted oracle for tests.
package llmtest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/llm"
)

// Reply is one scripted answer: either a JSON value or an error.
type Reply struct {
	JSON interface{}
	Err  error
}

// Scripted answers requests from per-operation queues. Operations are
// matched by exact name first, then by prefix ("compose." matches
// "compose.email"). The last reply of a queue repeats once it is drained.
type Scripted struct {
	mu       sync.Mutex
	queues   map[string][]Reply
	Requests []llm.Request
}

// New returns an empty script.
func New() *Scripted {
	return &Scripted{queues: make(map[string][]Reply)}
}

// On appends JSON replies for operation.
func (s *Scripted) On(operation string, replies ...interface{}) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range replies {
		s.queues[operation] = append(s.queues[operation], Reply{JSON: r})
	}
	return s
}

// Fail appends an error reply for operation.
func (s *Scripted) Fail(operation string, err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[operation] = append(s.queues[operation], Reply{Err: err})
	return s
}

// Calls counts recorded requests for operation.
func (s *Scripted) Calls(operation string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.Requests {
		if r.Operation == operation {
			n++
		}
	}
	return n
}

// Last returns the most recent request for operation.
func (s *Scripted) Last(operation string) (llm.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.Requests) - 1; i >= 0; i-- {
		if s.Requests[i].Operation == operation {
			return s.Requests[i], true
		}
	}
	return llm.Request{}, false
}

func (s *Scripted) Generate(_ context.Context, req llm.Request) (llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests = append(s.Requests, req)
	key := req.Operation
	q, ok := s.queues[key]
	if !ok {
		for k, v := range s.queues {
			if strings.HasSuffix(k, ".") && strings.HasPrefix(req.Operation, k) {
				key, q, ok = k, v, true
				break
			}
		}
	}
	if !ok || len(q) == 0 {
		return llm.Response{}, fmt.Errorf("no scripted reply for %s", req.Operation)
	}
	r := q[0]
	if len(q) > 1 {
		s.queues[key] = q[1:]
	}
	if r.Err != nil {
		return llm.Response{}, r.Err
	}
	raw, err := json.Marshal(r.JSON)
	if err != nil {
		return llm.Response{}, err
	}
	return llm.Response{Raw: raw, Model: "scripted", Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5}}, nil
}
