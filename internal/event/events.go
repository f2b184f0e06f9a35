package event

import "coin_dash/internal/domain"

// Selected asks for a coin to become the charted one.
type Selected struct {
	ID       string
	Snapshot domain.Snapshot
}

// SearchSubmitted carries a query entered by the user.
type SearchSubmitted struct {
	Query string
}

// SearchCleared asks to leave search mode.
type SearchCleared struct{}

// RemoveRequested asks the list to drop one row.
type RemoveRequested struct {
	ID   string
	Name string
}

// Removed is published once a row removal has completed.
type Removed struct {
	ID string
}

// ListRendered follows a full render of the table.
type ListRendered struct {
	Count     int
	Snapshots []domain.Snapshot
}

// ListUpdated follows an incremental update of the table.
type ListUpdated struct {
	Count   int
	Changed []string
}

// LiveData delivers a fresh intraday series for the selected coin.
type LiveData struct {
	ID       string
	Snapshot domain.Snapshot
	Series   *domain.Series
}

// ListBack asks to leave the empty state and show the previous list.
type ListBack struct{}

// ReloadRequested asks to rerun the initial load after an error.
type ReloadRequested struct{}
