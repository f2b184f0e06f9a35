// Package reconcile turns a new ordered snapshot list into the smallest set of
// row mutations against the rows currently on screen.
package reconcile

import (
	"coin_dash/internal/domain"
)

// Patch is the positional plan between the previous order and a new list.
// Slots below Reuse keep their row; Destroy and Append are mutually exclusive.
type Patch struct {
	Reuse   int
	Destroy []string
	Append  []domain.Snapshot
}

// Empty reports whether the patch neither creates nor destroys rows.
func (p Patch) Empty() bool {
	return len(p.Destroy) == 0 && len(p.Append) == 0
}

// Diff compares by position, not by id: an id that moves from slot 2 to slot 5
// shows up as two slots whose content changed.
func Diff(prev []string, next []domain.Snapshot) Patch {
	k := min(len(prev), len(next))
	p := Patch{Reuse: k}
	if len(next) < len(prev) {
		p.Destroy = append([]string(nil), prev[k:]...)
	}
	if len(next) > len(prev) {
		p.Append = append([]domain.Snapshot(nil), next[k:]...)
	}
	return p
}

// Result lists what Apply or Render did, by id.
type Result struct {
	Changed   []string
	Created   []string
	Destroyed []string
}

type row struct {
	snap domain.Snapshot
	view domain.RowView
}

// Registry is the ordered id → row mapping. Its ids are exactly those last
// rendered, in the order they were applied.
type Registry struct {
	surface domain.TableSurface
	rows    []*row
	index   map[string]*row
}

// NewRegistry creates an empty registry drawing rows on surface.
func NewRegistry(surface domain.TableSurface) *Registry {
	return &Registry{
		surface: surface,
		index:   make(map[string]*row),
	}
}

// Apply reconciles the registry with next. Reused slots are repainted only
// when their id or values changed; animate requests the "updating" pulse.
func (r *Registry) Apply(next []domain.Snapshot, animate bool) Result {
	var res Result
	patch := Diff(r.Order(), next)

	// 1. Reuse slots in place
	for i := 0; i < patch.Reuse; i++ {
		cur := r.rows[i]
		if cur.snap.ID != next[i].ID || !cur.snap.SameValues(next[i]) {
			cur.view.Paint(next[i], animate)
			res.Changed = append(res.Changed, next[i].ID)
		}
		cur.snap = next[i]
	}

	// 2. Trailing rows that no longer have a slot
	for _, old := range r.rows[patch.Reuse:] {
		old.view.Detach()
		res.Destroyed = append(res.Destroyed, old.snap.ID)
	}
	r.rows = r.rows[:patch.Reuse]

	// 3. New slots, appended in order
	for _, s := range patch.Append {
		r.rows = append(r.rows, &row{snap: s, view: r.surface.AppendRow(s)})
		res.Created = append(res.Created, s.ID)
	}

	r.reindex()
	return res
}

// Render discards every row and builds the list from scratch.
func (r *Registry) Render(list []domain.Snapshot) Result {
	res := Result{Destroyed: r.Reset()}
	for _, s := range list {
		r.rows = append(r.rows, &row{snap: s, view: r.surface.AppendRow(s)})
		res.Created = append(res.Created, s.ID)
	}
	r.reindex()
	return res
}

// Reset detaches every row and returns the ids it held.
func (r *Registry) Reset() []string {
	var ids []string
	for _, old := range r.rows {
		old.view.Detach()
		ids = append(ids, old.snap.ID)
	}
	r.rows = nil
	clear(r.index)
	return ids
}

// Take drops id from the registry without detaching its row and hands the
// row back to the caller.
func (r *Registry) Take(id string) (domain.RowView, bool) {
	target, ok := r.index[id]
	if !ok {
		return nil, false
	}
	for i, x := range r.rows {
		if x == target {
			r.rows = append(r.rows[:i], r.rows[i+1:]...)
			break
		}
	}
	r.reindex()
	return target.view, true
}

func (r *Registry) reindex() {
	clear(r.index)
	for _, x := range r.rows {
		r.index[x.snap.ID] = x
	}
}

// Order returns the ids in display order.
func (r *Registry) Order() []string {
	ids := make([]string, len(r.rows))
	for i, x := range r.rows {
		ids[i] = x.snap.ID
	}
	return ids
}

// Snapshots returns the data currently shown, in display order.
func (r *Registry) Snapshots() []domain.Snapshot {
	out := make([]domain.Snapshot, len(r.rows))
	for i, x := range r.rows {
		out[i] = x.snap
	}
	return out
}

// View returns the row drawn for id.
func (r *Registry) View(id string) (domain.RowView, bool) {
	x, ok := r.index[id]
	if !ok {
		return nil, false
	}
	return x.view, true
}

// Has reports whether id is on screen.
func (r *Registry) Has(id string) bool {
	_, ok := r.index[id]
	return ok
}

// Len returns the number of rows.
func (r *Registry) Len() int {
	return len(r.rows)
}
