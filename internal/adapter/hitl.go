package adapter

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spachava753/stepbench/internal/models"
)

// Responder answers framework questions from a fixed table so that reruns
// see identical answers.
type Responder struct {
	keys      []string
	responses map[string]string
	fallback  string
}

// NewResponder loads the response table named by cfg.ResponsesPath, if any.
// The file is a JSON object mapping query substrings to answers.
func NewResponder(cfg models.HITLConfig) (*Responder, error) {
	r := &Responder{
		responses: make(map[string]string),
		fallback:  cfg.DefaultResponse,
	}
	if cfg.ResponsesPath == "" {
		return r, nil
	}

	data, err := os.ReadFile(cfg.ResponsesPath)
	if err != nil {
		return nil, fmt.Errorf("reading hitl responses: %w", err)
	}
	var table map[string]string
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parsing hitl responses %s: %w", cfg.ResponsesPath, err)
	}
	for k, v := range table {
		key := strings.ToLower(strings.TrimSpace(k))
		if key == "" {
			continue
		}
		r.responses[key] = v
		r.keys = append(r.keys, key)
	}
	sort.Strings(r.keys)
	return r, nil
}

// Respond returns the answer for the first key, in sorted order, that the
// query contains (case-insensitive), or the default answer.
func (r *Responder) Respond(query string) string {
	q := strings.ToLower(query)
	for _, k := range r.keys {
		if strings.Contains(q, k) {
			return r.responses[k]
		}
	}
	return r.fallback
}
