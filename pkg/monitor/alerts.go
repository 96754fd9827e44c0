package monitor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	mcperrors "github.com/ajitpratap0/mcp-control-plane/pkg/errors"
	"github.com/ajitpratap0/mcp-control-plane/pkg/logging"
)

// Operator compares a metric value with a threshold.
type Operator string

const (
	OpGreater      Operator = "gt"
	OpGreaterEqual Operator = "gte"
	OpLess         Operator = "lt"
	OpLessEqual    Operator = "lte"
	OpEqual        Operator = "eq"
)

func (op Operator) compare(value, threshold float64) (bool, error) {
	switch op {
	case OpGreater:
		return value > threshold, nil
	case OpGreaterEqual:
		return value >= threshold, nil
	case OpLess:
		return value < threshold, nil
	case OpLessEqual:
		return value <= threshold, nil
	case OpEqual:
		return value == threshold, nil
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}

// Severity of an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// AlertRule opens an alert once Metric has compared true against Threshold
// for at least Duration.
type AlertRule struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Metric    string        `json:"metric"`
	Operator  Operator      `json:"operator"`
	Threshold float64       `json:"threshold"`
	Duration  time.Duration `json:"durationNs"`
	Severity  Severity      `json:"severity"`
	Enabled   bool          `json:"enabled"`
}

// Alert is an open or resolved rule match.
type Alert struct {
	ID         string    `json:"id"`
	RuleID     string    `json:"ruleId"`
	RuleName   string    `json:"ruleName"`
	Severity   Severity  `json:"severity"`
	Message    string    `json:"message"`
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold"`
	StartedAt  time.Time `json:"startedAt"`
	Resolved   bool      `json:"resolved"`
	ResolvedAt time.Time `json:"resolvedAt,omitempty"`
}

const maxAlertHistory = 1000

// DefaultAlertRules returns the built-in rules.
func DefaultAlertRules() []AlertRule {
	return []AlertRule{
		{
			ID: "high-response-time", Name: "High response time",
			Metric: "responseTime.mean", Operator: OpGreater, Threshold: 5000,
			Duration: 30 * time.Second, Severity: SeverityWarning, Enabled: true,
		},
		{
			ID: "high-error-rate", Name: "High error rate",
			Metric: "errorRate", Operator: OpGreater, Threshold: 10,
			Duration: time.Minute, Severity: SeverityError, Enabled: true,
		},
		{
			ID: "high-memory-usage", Name: "High memory usage",
			Metric: "memory.heapUsed", Operator: OpGreater, Threshold: 1 << 30,
			Duration: 5 * time.Minute, Severity: SeverityWarning, Enabled: true,
		},
		{
			ID: "low-throughput", Name: "Low throughput",
			Metric: "throughput", Operator: OpLess, Threshold: 0.1,
			Duration: 5 * time.Minute, Severity: SeverityInfo, Enabled: false,
		},
	}
}

// AddAlertRule adds or replaces a rule. A rule without an id gets one.
func (m *Monitor) AddAlertRule(rule AlertRule) (string, error) {
	if rule.Metric == "" {
		return "", mcperrors.ValidationError("alert rule %q has no metric", rule.Name)
	}
	if _, err := rule.Operator.compare(0, 0); err != nil {
		return "", mcperrors.ValidationError("alert rule %q: %v", rule.Name, err)
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.Severity == "" {
		rule.Severity = SeverityWarning
	}

	m.alertMu.Lock()
	m.rules[rule.ID] = &rule
	delete(m.matchSince, rule.ID)
	m.alertMu.Unlock()
	return rule.ID, nil
}

// RemoveAlertRule deletes a rule. Its open alert, if any, is resolved.
func (m *Monitor) RemoveAlertRule(id string) bool {
	m.alertMu.Lock()
	_, ok := m.rules[id]
	delete(m.rules, id)
	delete(m.matchSince, id)
	resolved, wasOpen := m.resolveLocked(id)
	listeners := m.onResolved
	m.alertMu.Unlock()

	if wasOpen {
		notify(listeners, resolved)
	}
	return ok
}

// AlertRules returns every rule, sorted by id.
func (m *Monitor) AlertRules() []AlertRule {
	m.alertMu.Lock()
	defer m.alertMu.Unlock()
	out := make([]AlertRule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OnAlert registers a listener for newly opened alerts.
func (m *Monitor) OnAlert(fn func(Alert)) {
	m.alertMu.Lock()
	m.onAlert = append(m.onAlert, fn)
	m.alertMu.Unlock()
}

// OnAlertResolved registers a listener for resolved alerts.
func (m *Monitor) OnAlertResolved(fn func(Alert)) {
	m.alertMu.Lock()
	m.onResolved = append(m.onResolved, fn)
	m.alertMu.Unlock()
}

// EvaluateAlerts checks every enabled rule against the latest snapshot.
func (m *Monitor) EvaluateAlerts() {
	snap, ok := m.latest()
	if !ok {
		return
	}
	values, err := flatten(snap)
	if err != nil {
		m.logger.Error("Failed to flatten metrics snapshot", logging.ErrorField(err))
		return
	}
	now := m.now()

	var opened, resolved []Alert

	m.alertMu.Lock()
	for id, rule := range m.rules {
		if !rule.Enabled {
			continue
		}
		value, found := values[rule.Metric]
		if !found {
			continue
		}
		match, _ := rule.Operator.compare(value, rule.Threshold)

		if !match {
			delete(m.matchSince, id)
			if a, was := m.resolveLocked(id); was {
				resolved = append(resolved, a)
			}
			continue
		}

		since, seen := m.matchSince[id]
		if !seen {
			since = now
			m.matchSince[id] = now
		}
		if _, open := m.active[id]; open || now.Sub(since) < rule.Duration {
			continue
		}

		a := &Alert{
			ID:       uuid.New().String(),
			RuleID:   id,
			RuleName: rule.Name,
			Severity: rule.Severity,
			Message: fmt.Sprintf("%s: %s is %.2f (%s %.2f)",
				rule.Name, rule.Metric, value, rule.Operator, rule.Threshold),
			Value:     value,
			Threshold: rule.Threshold,
			StartedAt: now,
		}
		m.active[id] = a
		m.appendHistoryLocked(*a)
		opened = append(opened, *a)
	}
	onAlert, onResolved := m.onAlert, m.onResolved
	m.alertMu.Unlock()

	for _, a := range opened {
		m.logger.Warn("Alert opened",
			logging.String("rule", a.RuleID),
			logging.String("severity", string(a.Severity)),
			logging.Float64("value", a.Value))
		notify(onAlert, a)
	}
	for _, a := range resolved {
		m.logger.Info("Alert resolved", logging.String("rule", a.RuleID))
		notify(onResolved, a)
	}
}

func (m *Monitor) resolveLocked(ruleID string) (Alert, bool) {
	a, ok := m.active[ruleID]
	if !ok {
		return Alert{}, false
	}
	delete(m.active, ruleID)
	a.Resolved = true
	a.ResolvedAt = m.now()
	for i := range m.alertHistory {
		if m.alertHistory[i].ID == a.ID {
			m.alertHistory[i] = *a
		}
	}
	return *a, true
}

func (m *Monitor) appendHistoryLocked(a Alert) {
	m.alertHistory = append(m.alertHistory, a)
	if over := len(m.alertHistory) - maxAlertHistory; over > 0 {
		m.alertHistory = append([]Alert(nil), m.alertHistory[over:]...)
	}
}

// ResolveAlert resolves an open alert by alert id.
func (m *Monitor) ResolveAlert(alertID string) bool {
	m.alertMu.Lock()
	var (
		resolved Alert
		found    bool
	)
	for ruleID, a := range m.active {
		if a.ID == alertID {
			resolved, found = m.resolveLocked(ruleID)
			delete(m.matchSince, ruleID)
			break
		}
	}
	listeners := m.onResolved
	m.alertMu.Unlock()

	if found {
		notify(listeners, resolved)
	}
	return found
}

// ActiveAlerts returns the open alerts, oldest first.
func (m *Monitor) ActiveAlerts() []Alert {
	m.alertMu.Lock()
	defer m.alertMu.Unlock()
	out := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// AlertHistory returns up to limit of the most recent alerts, oldest first.
// A limit of zero returns everything kept.
func (m *Monitor) AlertHistory(limit int) []Alert {
	m.alertMu.Lock()
	defer m.alertMu.Unlock()
	h := m.alertHistory
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]Alert(nil), h...)
}

func notify(listeners []func(Alert), a Alert) {
	for _, fn := range listeners {
		fn(a)
	}
}

// flatten maps every numeric leaf of the snapshot to its dotted JSON path.
func flatten(s Snapshot) (map[string]float64, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var tree map[string]interface{}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	walk("", tree, out)
	return out, nil
}

func walk(prefix string, node map[string]interface{}, out map[string]float64) {
	for k, v := range node {
		path := k
		if prefix != "" {
			path = strings.Join([]string{prefix, k}, ".")
		}
		switch val := v.(type) {
		case float64:
			out[path] = val
		case map[string]interface{}:
			walk(path, val, out)
		}
	}
}
