package monitor

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ajitpratap0/mcp-control-plane/pkg/logging"
)

// Thresholds that trigger suggestions.
const (
	slowResponseMs     = 1000
	highErrorRatePct   = 5
	heapPressureFactor = 0.8
)

// Suggestion is an optimization hint. Suggestions of the same type are not
// repeated while one is still live.
type Suggestion struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Priority    string    `json:"priority"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Impact      string    `json:"impact"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// GenerateSuggestions derives suggestions from the current metrics, drops
// expired ones and returns those added.
func (m *Monitor) GenerateSuggestions() []Suggestion {
	s := m.CurrentMetrics()
	now := m.now()

	var candidates []Suggestion
	if s.ResponseTime.Mean > slowResponseMs {
		candidates = append(candidates, Suggestion{
			Type:        "reduce-response-time",
			Priority:    "high",
			Title:       "Reduce response time",
			Description: fmt.Sprintf("Mean response time is %.0fms; consider caching or moving slow tools off the request path", s.ResponseTime.Mean),
			Impact:      "lower latency for every client",
		})
	}
	if s.ErrorRate > highErrorRatePct {
		candidates = append(candidates, Suggestion{
			Type:        "reduce-error-rate",
			Priority:    "high",
			Title:       "Reduce error rate",
			Description: fmt.Sprintf("%.1f%% of requests fail; review failing tools and input validation", s.ErrorRate),
			Impact:      "fewer failed requests and breaker trips",
		})
	}
	if s.Memory.HeapTotal > 0 && float64(s.Memory.HeapUsed) > heapPressureFactor*float64(s.Memory.HeapTotal) {
		candidates = append(candidates, Suggestion{
			Type:        "reduce-memory",
			Priority:    "medium",
			Title:       "Reduce memory usage",
			Description: "Heap usage is above 80% of the reserved heap; lower history sizes or session limits",
			Impact:      "less GC pressure",
		})
	}

	m.alertMu.Lock()
	live := m.suggestions[:0]
	for _, sg := range m.suggestions {
		if now.Before(sg.ExpiresAt) {
			live = append(live, sg)
		}
	}
	m.suggestions = live

	var added []Suggestion
	for _, c := range candidates {
		dup := false
		for _, sg := range m.suggestions {
			if sg.Type == c.Type {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		c.ID = uuid.New().String()
		c.CreatedAt = now
		c.ExpiresAt = now.Add(m.config.SuggestionTTL)
		m.suggestions = append(m.suggestions, c)
		added = append(added, c)
	}
	m.alertMu.Unlock()

	for _, c := range added {
		m.logger.Info("Optimization suggestion", logging.String("type", c.Type), logging.String("title", c.Title))
	}
	return added
}

// Suggestions returns the live suggestions.
func (m *Monitor) Suggestions() []Suggestion {
	now := m.now()
	m.alertMu.Lock()
	defer m.alertMu.Unlock()
	out := make([]Suggestion, 0, len(m.suggestions))
	for _, sg := range m.suggestions {
		if now.Before(sg.ExpiresAt) {
			out = append(out, sg)
		}
	}
	return out
}
