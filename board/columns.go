package board

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"prism-sync/domain"
)

// RemovalMode decides what happens to the tasks of a removed column.
type RemovalMode string

const (
	// MoveTasks reassigns the tasks to another column.
	MoveTasks RemovalMode = "move"
	// CascadeTasks deletes the tasks with the column.
	CascadeTasks RemovalMode = "cascade"
)

func ParseRemovalMode(s string) (RemovalMode, error) {
	switch RemovalMode(s) {
	case "", MoveTasks:
		return MoveTasks, nil
	case CascadeTasks:
		return CascadeTasks, nil
	}
	return "", fmt.Errorf("unknown removal mode %q", s)
}

// RemoveColumn deletes column id. With MoveTasks its tasks are appended to
// target, or to the first other column when target is zero, keeping their
// relative order. Without another column it fails with
// domain.ErrNoTargetScope and changes nothing.
func (b *Board) RemoveColumn(id domain.EntityID, mode RemovalMode, target domain.EntityID) error {
	if _, ok := b.Columns.Find(id); !ok {
		return domain.ErrNotFound
	}
	tasks := b.Tasks.ByScope(id)

	switch mode {
	case MoveTasks:
		if target.IsZero() {
			target = b.firstOtherColumn(id)
		}
		if target.IsZero() || target == id {
			return domain.ErrNoTargetScope
		}
		if _, ok := b.Columns.Find(target); !ok {
			return fmt.Errorf("target column %s: %w", target, domain.ErrNotFound)
		}
		next := len(b.Tasks.ByScope(target))
		for i, it := range tasks {
			if err := b.Tasks.Move(it.Entity.ID, target, next+i, nil); err != nil {
				return fmt.Errorf("move task %s: %w", it.Entity.ID, err)
			}
		}
	case CascadeTasks:
		for _, it := range tasks {
			if err := b.Tasks.Delete(it.Entity.ID); err != nil {
				return fmt.Errorf("delete task %s: %w", it.Entity.ID, err)
			}
		}
	default:
		return fmt.Errorf("unknown removal mode %q", mode)
	}

	if err := b.Columns.Delete(id); err != nil {
		return err
	}
	b.logger.WithFields(log.Fields{
		"column": id.String(),
		"mode":   string(mode),
		"target": target.String(),
		"tasks":  len(tasks),
	}).Debug("column removed")
	return nil
}

func (b *Board) firstOtherColumn(id domain.EntityID) domain.EntityID {
	for _, it := range b.Columns.List() {
		if it.Entity.ID != id {
			return it.Entity.ID
		}
	}
	return domain.EntityID{}
}
