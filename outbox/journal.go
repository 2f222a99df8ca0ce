package outbox

import (
	"slices"

	"prism-sync/domain"
)

// journal is the ordered list of intents not yet sent. Every insert is
// coalesced against what is already queued.
type journal struct {
	ops []domain.Intent
}

func (j *journal) len() int { return len(j.ops) }

func (j *journal) snapshot() []domain.Intent {
	out := make([]domain.Intent, len(j.ops))
	for i, op := range j.ops {
		out[i] = op.Clone()
	}
	return out
}

func (j *journal) insert(op domain.Intent) {
	switch op.Type {
	case domain.OpCreate:
		if j.mergeCreate(op.Create.TempID, op.Create.Payload) {
			return
		}
	case domain.OpUpdate:
		id := op.Update.ID
		if i := j.lastIndexOf(domain.OpUpdate, id); i >= 0 {
			cur := j.ops[i].Update
			cur.Patch = cur.Patch.Merge(op.Update.Patch)
			return
		}
		if id.IsTemp() {
			if j.mergeCreate(id, op.Update.Patch) {
				return
			}
		}
	case domain.OpDelete:
		id := op.Delete.ID
		if id.IsTemp() {
			j.ops = cancelTemp(j.ops, id)
			return
		}
		j.ops = dropTarget(j.ops, id)
		if j.indexOf(domain.OpDelete, id) >= 0 {
			return
		}
	case domain.OpReorder:
		j.ops = slices.DeleteFunc(j.ops, func(cur domain.Intent) bool {
			return cur.Type == domain.OpReorder && cur.Reorder.Scope == op.Reorder.Scope
		})
	case domain.OpMove:
		j.ops = slices.DeleteFunc(j.ops, func(cur domain.Intent) bool {
			return cur.Type == domain.OpMove && cur.Move.ID == op.Move.ID
		})
	}
	j.ops = append(j.ops, op.Clone())
}

// requeue puts ops back at the front and re-applies the coalescing rules to
// everything queued behind them.
func (j *journal) requeue(front []domain.Intent) {
	rest := j.ops
	j.ops = nil
	for _, op := range front {
		j.insert(op)
	}
	for _, op := range rest {
		j.insert(op)
	}
}

// drain removes and returns every intent for which ready holds.
func (j *journal) drain(ready func(domain.Intent) bool) []domain.Intent {
	var out, held []domain.Intent
	for _, op := range j.ops {
		if ready(op) {
			out = append(out, op)
		} else {
			held = append(held, op)
		}
	}
	j.ops = held
	return out
}

// mergeCreate folds patch into the unsent create of temp. It reports false
// when no such create is queued.
func (j *journal) mergeCreate(temp domain.EntityID, patch domain.Patch) bool {
	i := j.indexOf(domain.OpCreate, temp)
	if i < 0 {
		return false
	}
	cur := j.ops[i].Create
	cur.Payload = cur.Payload.Merge(patch)
	return true
}

func (j *journal) rewriteID(from, to domain.EntityID) {
	for i := range j.ops {
		j.ops[i].RewriteID(from, to)
	}
}

func (j *journal) rewriteScope(field string, from, to domain.EntityID) bool {
	changed := false
	for i := range j.ops {
		if j.ops[i].RewriteScope(field, from, to) {
			changed = true
		}
	}
	return changed
}

// dropWhere removes intents for which match holds.
func (j *journal) dropWhere(match func(domain.Intent) bool) {
	j.ops = slices.DeleteFunc(j.ops, match)
}

func (j *journal) indexOf(t domain.OpType, id domain.EntityID) int {
	for i, op := range j.ops {
		if op.Type == t && op.Target() == id {
			return i
		}
	}
	return -1
}

func (j *journal) lastIndexOf(t domain.OpType, id domain.EntityID) int {
	for i := len(j.ops) - 1; i >= 0; i-- {
		if j.ops[i].Type == t && j.ops[i].Target() == id {
			return i
		}
	}
	return -1
}

// cancelTemp removes everything that only makes sense while temp exists and
// strips it from orderings.
func cancelTemp(ops []domain.Intent, temp domain.EntityID) []domain.Intent {
	out := ops[:0]
	for _, op := range ops {
		switch op.Type {
		case domain.OpCreate, domain.OpUpdate, domain.OpMove:
			if op.Target() == temp {
				continue
			}
		}
		if keep := stripFromOrderings(&op, temp); !keep {
			continue
		}
		out = append(out, op)
	}
	return out
}

// dropTarget removes updates and moves of a deleted real id and strips it
// from orderings.
func dropTarget(ops []domain.Intent, id domain.EntityID) []domain.Intent {
	out := ops[:0]
	for _, op := range ops {
		if (op.Type == domain.OpUpdate || op.Type == domain.OpMove) && op.Target() == id {
			continue
		}
		if keep := stripFromOrderings(&op, id); !keep {
			continue
		}
		out = append(out, op)
	}
	return out
}

// stripFromOrderings removes id from reorder and move lists. It reports
// false when a reorder is left with nothing to order.
func stripFromOrderings(op *domain.Intent, id domain.EntityID) bool {
	drop := func(ids []domain.EntityID) []domain.EntityID {
		return slices.DeleteFunc(slices.Clone(ids), func(cur domain.EntityID) bool { return cur == id })
	}
	switch op.Type {
	case domain.OpReorder:
		if !slices.Contains(op.Reorder.OrderedIDs, id) {
			return true
		}
		r := *op.Reorder
		r.OrderedIDs = drop(r.OrderedIDs)
		op.Reorder = &r
		return len(r.OrderedIDs) > 0
	case domain.OpMove:
		if !slices.Contains(op.Move.TargetOrderedIDs, id) && !slices.Contains(op.Move.SourceOrderedIDs, id) {
			return true
		}
		m := *op.Move
		m.TargetOrderedIDs = drop(m.TargetOrderedIDs)
		m.SourceOrderedIDs = drop(m.SourceOrderedIDs)
		m.ToIndex = max(slices.Index(m.TargetOrderedIDs, m.ID), 0)
		op.Move = &m
	}
	return true
}
