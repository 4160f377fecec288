// Package strategyregistry is the strategy-enumeration collaborator
// consumed by the Runner: a table of (strategy_id, portfolio_id,
// class_name, module_name) rows the Runner loads to know what to
// instantiate and bind.
package strategyregistry

import "fmt"

// Row is one entry of the enumeration table.
type Row struct {
	StrategyID  string
	PortfolioID string
	ClassName   string
	ModuleName  string
}

// StaticTable is an in-memory Table, the Go analogue of whatever external
// store (config file, database) lists strategies to run in a real
// deployment.
type StaticTable struct {
	rows []Row
}

// NewStaticTable creates a table from literal rows.
func NewStaticTable(rows ...Row) *StaticTable {
	return &StaticTable{rows: rows}
}

// Rows returns every registered row, in registration order.
func (t *StaticTable) Rows() []Row {
	out := make([]Row, len(t.rows))
	copy(out, t.rows)
	return out
}

// ForPortfolio returns the rows belonging to one portfolio id.
func (t *StaticTable) ForPortfolio(portfolioID string) []Row {
	var out []Row
	for _, r := range t.rows {
		if r.PortfolioID == portfolioID {
			out = append(out, r)
		}
	}
	return out
}

// Validate reports an error if the table has a duplicate strategy id.
func (t *StaticTable) Validate() error {
	seen := make(map[string]bool, len(t.rows))
	for _, r := range t.rows {
		if seen[r.StrategyID] {
			return fmt.Errorf("strategyregistry: duplicate strategy_id %q", r.StrategyID)
		}
		seen[r.StrategyID] = true
	}
	return nil
}
