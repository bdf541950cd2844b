// Package cost implements the usage ledger and budget guard for a batch run.
// Every metered call a job makes is reported here; the meter accrues cost
// first and checks the budget second, so a single record can push the total
// past the limit before detection (optimistic, at-least-once accounting).
package cost

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrBudgetExceeded is returned by Record when the running total meets or
// exceeds the configured budget limit. The triggering cost has already been
// accrued; there is no rollback.
var ErrBudgetExceeded = errors.New("budget limit exceeded")

// KindTotals accumulates usage for one named cost kind.
type KindTotals struct {
	// Count is the number of Record calls for this kind.
	Count int64 `json:"count"`

	// Units is the summed quantity across all records.
	Units float64 `json:"units"`

	// Cost is the summed cost in dollars.
	Cost float64 `json:"cost"`
}

// Snapshot is an immutable copy of the ledger for reporting.
type Snapshot struct {
	// Kinds maps cost kind to its accumulated totals.
	Kinds map[string]KindTotals `json:"kinds"`

	// Total is the summed cost across all kinds.
	Total float64 `json:"total"`

	// BudgetLimit is the configured ceiling, 0 when unlimited.
	BudgetLimit float64 `json:"budget_limit,omitempty"`

	// Exceeded reports whether the total has met or passed the limit.
	Exceeded bool `json:"exceeded"`

	// Elapsed is the time since the meter was created.
	Elapsed time.Duration `json:"elapsed"`
}

// BudgetRemaining returns the unspent budget, or 0 when no limit is set.
func (s Snapshot) BudgetRemaining() float64 {
	if s.BudgetLimit <= 0 {
		return 0
	}
	return s.BudgetLimit - s.Total
}

// BudgetUsedPercent returns total/limit as a percentage, or 0 when unlimited.
func (s Snapshot) BudgetUsedPercent() float64 {
	if s.BudgetLimit <= 0 {
		return 0
	}
	return s.Total / s.BudgetLimit * 100
}

// SortedKinds returns the recorded kind names in lexical order.
func (s Snapshot) SortedKinds() []string {
	kinds := make([]string, 0, len(s.Kinds))
	for kind := range s.Kinds {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Meter is a thread-safe cost ledger with optional budget enforcement.
// The total is monotonically non-decreasing within a run.
type Meter struct {
	mu          sync.Mutex
	kinds       map[string]*KindTotals
	total       float64
	budgetLimit float64
	exceeded    bool
	pricing     map[string]float64
	startTime   time.Time
	logger      zerolog.Logger
}

// NewMeter creates a cost meter. pricing maps cost kind to dollar unit
// price; budgetLimit of 0 (or negative) disables enforcement.
func NewMeter(pricing map[string]float64, budgetLimit float64, logger zerolog.Logger) *Meter {
	prices := make(map[string]float64, len(pricing))
	for kind, price := range pricing {
		prices[kind] = price
	}
	return &Meter{
		kinds:       make(map[string]*KindTotals),
		budgetLimit: budgetLimit,
		pricing:     prices,
		startTime:   time.Now(),
		logger:      logger,
	}
}

// Record accrues quantity units of the given kind at its configured unit
// price, then checks the budget. Kinds with no configured price accrue at
// zero cost but still count. Returns ErrBudgetExceeded when the new total
// meets or exceeds the limit; the cost stays accrued either way.
func (m *Meter) Record(kind string, quantity float64) error {
	price, ok := m.pricing[kind]
	if !ok {
		m.logger.Debug().Str("kind", kind).Msg("no unit price configured, recording at zero cost")
	}
	cost := quantity * price

	m.mu.Lock()
	defer m.mu.Unlock()

	totals, ok := m.kinds[kind]
	if !ok {
		totals = &KindTotals{}
		m.kinds[kind] = totals
	}
	totals.Count++
	totals.Units += quantity
	totals.Cost += cost
	m.total += cost

	if m.budgetLimit > 0 && m.total >= m.budgetLimit {
		m.exceeded = true
		return fmt.Errorf("%w: $%.4f of $%.4f", ErrBudgetExceeded, m.total, m.budgetLimit)
	}
	return nil
}

// Exceeded reports whether any Record has pushed the total to or past the
// budget limit. The flag latches; it never clears within a run.
func (m *Meter) Exceeded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exceeded
}

// Total returns the current total cost.
func (m *Meter) Total() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Snapshot returns an immutable copy of the ledger.
func (m *Meter) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	kinds := make(map[string]KindTotals, len(m.kinds))
	for kind, totals := range m.kinds {
		kinds[kind] = *totals
	}
	return Snapshot{
		Kinds:       kinds,
		Total:       m.total,
		BudgetLimit: m.budgetLimit,
		Exceeded:    m.exceeded,
		Elapsed:     time.Since(m.startTime),
	}
}

// ProgressDisplay returns a compact "$spent/$limit" string for progress UIs,
// or just "$spent" when no limit is set.
func (m *Meter) ProgressDisplay() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.budgetLimit > 0 {
		return fmt.Sprintf("$%.2f/$%.2f", m.total, m.budgetLimit)
	}
	return fmt.Sprintf("$%.2f", m.total)
}
