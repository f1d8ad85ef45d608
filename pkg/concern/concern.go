package concern

import (
	"fmt"

	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/types"
)

// Distribute links c to every object of its owner's hierarchy
func Distribute(tx storage.Tx, c *types.Concern) error {
	refs, err := Hierarchy(tx, c.Owner)
	if err != nil {
		return fmt.Errorf("failed to compute hierarchy of %s: %w", c.Owner, err)
	}
	if err := tx.LinkConcern(c.ID, refs); err != nil {
		return err
	}
	return nil
}

// Remove deletes a concern together with all of its links
func Remove(tx storage.Tx, id uint64) error {
	return tx.DeleteConcern(id)
}

// Redistribute brings the links of c in line with its owner's current
// hierarchy: newly covered objects are linked, objects that left the
// hierarchy are unlinked.
func Redistribute(tx storage.Tx, c *types.Concern) error {
	want, err := Hierarchy(tx, c.Owner)
	if err != nil {
		return fmt.Errorf("failed to compute hierarchy of %s: %w", c.Owner, err)
	}
	have, err := tx.ConcernLinks(c.ID)
	if err != nil {
		return err
	}

	wantSet := refSet{}
	for _, r := range want {
		wantSet.add(r)
	}
	haveSet := refSet{}
	for _, r := range have {
		haveSet.add(r)
	}

	var add, drop []types.ObjectRef
	for r := range wantSet {
		if _, ok := haveSet[r]; !ok {
			add = append(add, r)
		}
	}
	for r := range haveSet {
		if _, ok := wantSet[r]; !ok {
			drop = append(drop, r)
		}
	}
	sortRefs(add)
	sortRefs(drop)

	if err := tx.LinkConcern(c.ID, add); err != nil {
		return err
	}
	return tx.UnlinkConcern(c.ID, drop)
}

// ReconcileCluster re-evaluates every concern linked to a cluster after its
// host-component mapping changed. Provider-rooted concerns never depend on
// the mapping and are left alone.
func ReconcileCluster(tx storage.Tx, clusterID uint64) error {
	concerns, err := tx.ObjectConcerns(types.Ref(types.ObjectCluster, clusterID))
	if err != nil {
		return err
	}
	for _, c := range concerns {
		if err := Redistribute(tx, c); err != nil {
			return fmt.Errorf("failed to redistribute concern %d: %w", c.ID, err)
		}
	}
	return nil
}

// AttachTask creates the concern held by a task while it is unfinished: a
// blocking lock for blocking tasks, a flag otherwise. The concern is rooted
// at the task target and, for locks, its id is stored on the task.
func AttachTask(tx storage.Tx, task *types.Task, reason string) (*types.Concern, error) {
	c := &types.Concern{
		Type:     types.ConcernFlag,
		Owner:    task.Target,
		TaskID:   task.ID,
		Cause:    types.CauseJob,
		Blocking: task.IsBlocking,
		Reason:   reason,
	}
	if task.IsBlocking {
		c.Type = types.ConcernLock
	}

	if err := tx.CreateConcern(c); err != nil {
		return nil, err
	}
	if err := Distribute(tx, c); err != nil {
		return nil, err
	}
	if task.IsBlocking {
		lockID := c.ID
		if _, err := tx.UpdateTask(task.ID, storage.TaskPatch{LockID: &lockID}); err != nil {
			return nil, err
		}
		task.LockID = lockID
	}
	return c, nil
}

// ReleaseTask removes every concern held by a task and clears its lock id
func ReleaseTask(tx storage.Tx, taskID uint64) error {
	concerns, err := tx.ListTaskConcerns(taskID)
	if err != nil {
		return err
	}
	for _, c := range concerns {
		if err := Remove(tx, c.ID); err != nil {
			return err
		}
	}

	task, err := tx.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.LockID != 0 {
		var zero uint64
		if _, err := tx.UpdateTask(taskID, storage.TaskPatch{LockID: &zero}); err != nil {
			return err
		}
	}
	return nil
}

// BlockingLocks returns the blocking lock concerns linked to ref
func BlockingLocks(tx storage.Tx, ref types.ObjectRef) ([]*types.Concern, error) {
	return linked(tx, ref, types.ConcernLock)
}

// HasBlockingIssue reports whether ref carries a blocking issue concern
func HasBlockingIssue(tx storage.Tx, ref types.ObjectRef) (bool, error) {
	issues, err := linked(tx, ref, types.ConcernIssue)
	if err != nil {
		return false, err
	}
	return len(issues) > 0, nil
}

func linked(tx storage.Tx, ref types.ObjectRef, kind types.ConcernType) ([]*types.Concern, error) {
	all, err := tx.ObjectConcerns(ref)
	if err != nil {
		return nil, err
	}
	var out []*types.Concern
	for _, c := range all {
		if c.Type == kind && c.Blocking {
			out = append(out, c)
		}
	}
	return out, nil
}

// RaiseFlag attaches a non-blocking flag rooted at owner. Raising the same
// reason twice returns the existing flag.
func RaiseFlag(tx storage.Tx, owner types.ObjectRef, reason string) (*types.Concern, error) {
	existing, err := tx.FindConcerns(storage.ConcernFilter{Owner: &owner, Type: types.ConcernFlag, Cause: types.CauseFlag})
	if err != nil {
		return nil, err
	}
	for _, c := range existing {
		if c.Reason == reason {
			return c, nil
		}
	}

	c := &types.Concern{
		Type:   types.ConcernFlag,
		Owner:  owner,
		Cause:  types.CauseFlag,
		Reason: reason,
	}
	if err := tx.CreateConcern(c); err != nil {
		return nil, err
	}
	if err := Distribute(tx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ClearFlag removes explicit flags rooted at owner; an empty reason clears all
func ClearFlag(tx storage.Tx, owner types.ObjectRef, reason string) (int, error) {
	flags, err := tx.FindConcerns(storage.ConcernFilter{Owner: &owner, Type: types.ConcernFlag, Cause: types.CauseFlag})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, c := range flags {
		if reason != "" && c.Reason != reason {
			continue
		}
		if err := Remove(tx, c.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
