// Package models defines the domain types shared across planlens.
package models

// NoIndex marks an absent arena reference (root parent, operator without table).
const NoIndex = -1

// PlanRecord is a persisted query execution plan. Operators form an arena:
// index 0 is the root and parent/child links are indices into Operators.
type PlanRecord struct {
	ID         string     `json:"id"`
	WorkloadID string     `json:"workload_id"`
	IDInRun    int        `json:"id_in_run"`
	TableCount int        `json:"table_count"`
	Runtime    float64    `json:"plan_runtime"`
	SQL        string     `json:"sql,omitempty"`
	Operators  []Operator `json:"operators"`
}

// JoinCount is the number of join operators implied by the table count.
func (p *PlanRecord) JoinCount() int {
	if p.TableCount <= 1 {
		return 0
	}
	return p.TableCount - 1
}

// Root returns the root operator, or nil for an empty arena.
func (p *PlanRecord) Root() *Operator {
	if len(p.Operators) == 0 {
		return nil
	}
	return &p.Operators[0]
}

// DistinctTables counts the distinct table indices referenced by operators.
func (p *PlanRecord) DistinctTables() int {
	seen := make(map[int]struct{})
	for i := range p.Operators {
		if t := p.Operators[i].Table; t != NoIndex {
			seen[t] = struct{}{}
		}
	}
	return len(seen)
}

// PredicateCount counts the filter nodes of every operator, connectives
// included.
func (p *PlanRecord) PredicateCount() int {
	n := 0
	for i := range p.Operators {
		if p.Operators[i].Filter == nil {
			continue
		}
		WalkPredicate(p.Operators[i].Filter, func(Predicate, Predicate) bool {
			n++
			return true
		})
	}
	return n
}

// Operator is one physical operator of a plan.
type Operator struct {
	Name            string         `json:"op_name"`
	Parent          int            `json:"parent"`
	Children        []int          `json:"children,omitempty"`
	EstStartupCost  float64        `json:"est_startup_cost"`
	EstCost         float64        `json:"est_cost"`
	EstCard         float64        `json:"est_card"`
	EstWidth        float64        `json:"est_width"`
	EstChildrenCard float64        `json:"est_children_card"`
	ActCard         float64        `json:"act_card"`
	ActChildrenCard float64        `json:"act_children_card"`
	ActTime         float64        `json:"act_time"`
	WorkersPlanned  int            `json:"workers_planned"`
	Table           int            `json:"table"`
	OutputColumns   []OutputColumn `json:"output_columns,omitempty"`
	Filter          Predicate      `json:"-"`
}

// OutputColumn is an output expression over column indices, optionally aggregated.
type OutputColumn struct {
	Aggregation string `json:"aggregation"`
	Columns     []int  `json:"columns"`
}

// Predicate is a filter condition tree node. It is either a *LogicalPredicate
// or a *FilterLeaf.
type Predicate interface {
	predicate()
}

// LogicalPredicate is a connective (AND, OR, ...) over child predicates.
type LogicalPredicate struct {
	Operator string
	Children []Predicate
}

// FilterLeaf compares a column against a literal.
type FilterLeaf struct {
	Operator string
	Column   int
	Literal  float64
}

func (*LogicalPredicate) predicate() {}
func (*FilterLeaf) predicate()       {}

// WalkPredicate visits p in preorder. visit receives the node and its parent
// (nil for the root). Returning false stops descent below that node.
func WalkPredicate(p Predicate, visit func(node, parent Predicate) bool) {
	walkPredicate(p, nil, visit)
}

func walkPredicate(p, parent Predicate, visit func(node, parent Predicate) bool) {
	if !visit(p, parent) {
		return
	}
	if lp, ok := p.(*LogicalPredicate); ok {
		for _, child := range lp.Children {
			walkPredicate(child, p, visit)
		}
	}
}
