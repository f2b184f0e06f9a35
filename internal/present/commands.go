package present

import (
	"strings"

	"coin_dash/internal/engine"
	"coin_dash/internal/event"
)

// Commands turns user input into bus publications on the event loop.
// Presenters never touch dashboard state directly.
type Commands struct {
	loop  *engine.Loop
	bus   *event.Bus
	board *Board
}

// NewCommands creates the input side for presenters of board.
func NewCommands(loop *engine.Loop, bus *event.Bus, board *Board) *Commands {
	return &Commands{loop: loop, bus: bus, board: board}
}

// Select charts the coin in row id. It reports false for unknown rows.
func (c *Commands) Select(id string) bool {
	snap, ok := c.board.Row(id)
	if !ok {
		return false
	}
	return c.loop.Post(func() {
		c.bus.Selected.Publish(event.Selected{ID: id, Snapshot: snap})
	})
}

// Remove asks for row id to be removed. It reports false for unknown rows.
func (c *Commands) Remove(id string) bool {
	snap, ok := c.board.Row(id)
	if !ok {
		return false
	}
	return c.loop.Post(func() {
		c.bus.RemoveRequested.Publish(event.RemoveRequested{ID: id, Name: snap.Name})
	})
}

// Search submits query. Blank queries are dropped here.
func (c *Commands) Search(query string) bool {
	query = strings.TrimSpace(query)
	if query == "" {
		return false
	}
	return c.loop.Post(func() {
		c.bus.SearchSubmitted.Publish(event.SearchSubmitted{Query: query})
	})
}

// ClearSearch leaves search mode.
func (c *Commands) ClearSearch() bool {
	return c.loop.Post(func() { c.bus.SearchCleared.Publish(event.SearchCleared{}) })
}

// Back leaves the empty state.
func (c *Commands) Back() bool {
	return c.loop.Post(func() { c.bus.ListBack.Publish(event.ListBack{}) })
}

// Reload reruns the initial load.
func (c *Commands) Reload() bool {
	return c.loop.Post(func() { c.bus.ReloadRequested.Publish(event.ReloadRequested{}) })
}
