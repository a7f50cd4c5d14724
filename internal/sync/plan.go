package sync

import "sort"

// FileOp is one planned file operation.
type FileOp struct {
	Rel    string // slash-separated path relative to both trees
	Source string // absolute path in the repo checkout (empty for deletes)
	Dest   string // absolute path under the target directory
}

// TreePlan holds the operations for one destination directory.
type TreePlan struct {
	Create []FileOp
	Update []FileOp
	Delete []FileOp
}

// Empty reports whether the tree needs no work.
func (p *TreePlan) Empty() bool {
	return len(p.Create) == 0 && len(p.Update) == 0 && len(p.Delete) == 0
}

func (p *TreePlan) sort() {
	byRel := func(ops []FileOp) func(i, j int) bool {
		return func(i, j int) bool { return ops[i].Rel < ops[j].Rel }
	}
	sort.Slice(p.Create, byRel(p.Create))
	sort.Slice(p.Update, byRel(p.Update))
	sort.Slice(p.Delete, byRel(p.Delete))
}

// Plan is the full sync plan for one pass: one tree per destination.
// It is ephemeral, consumed immediately by apply or dry-run reporting.
type Plan struct {
	Plugins TreePlan
	Config  TreePlan
}

// Empty reports whether the pass has nothing to do.
func (p *Plan) Empty() bool {
	return p.Plugins.Empty() && p.Config.Empty()
}

// Paths returns every relative path the plan touches, sorted, for
// drift-repair deploy records.
func (p *Plan) Paths() []string {
	var out []string
	for _, tree := range []*TreePlan{&p.Plugins, &p.Config} {
		for _, ops := range [][]FileOp{tree.Create, tree.Update, tree.Delete} {
			for _, op := range ops {
				out = append(out, op.Rel)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Counts returns the total create/update/delete counts across both trees.
func (p *Plan) Counts() (create, update, del int) {
	create = len(p.Plugins.Create) + len(p.Config.Create)
	update = len(p.Plugins.Update) + len(p.Config.Update)
	del = len(p.Plugins.Delete) + len(p.Config.Delete)
	return
}
