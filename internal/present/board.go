package present

import (
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"coin_dash/internal/domain"
)

// DefaultPulse is how long a repainted row stays highlighted.
const DefaultPulse = 300 * time.Millisecond

// RowState is the rendered form of one table row.
type RowState struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Name      string    `json:"name"`
	Image     string    `json:"image"`
	Icon      string    `json:"icon,omitempty"`
	Price     string    `json:"price"`
	Change    string    `json:"change"`
	Direction string    `json:"direction"`
	Sparkline []float64 `json:"sparkline"`
	Pulsing   bool      `json:"pulsing"`
	Fading    bool      `json:"fading"`
}

// ChartState is the rendered form of the live chart.
type ChartState struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Symbol      string              `json:"symbol"`
	Price       string              `json:"price"`
	Change      string              `json:"change"`
	Rising      bool                `json:"rising"`
	Points      []domain.PricePoint `json:"points"`
	Loading     bool                `json:"loading"`
	LoadingName string              `json:"loading_name,omitempty"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// State is a copy of everything on screen.
type State struct {
	Version  uint64        `json:"version"`
	Rows     []RowState    `json:"rows"`
	Loading  bool          `json:"loading"`
	Banner   domain.Banner `json:"banner"`
	Chart    ChartState    `json:"chart"`
	Selected string        `json:"selected"`
}

// Board is the screen model shared by every presenter. The event loop writes
// it through the surface interfaces; presenters read copies via State.
type Board struct {
	mu       sync.Mutex
	rows     []*boardRow
	loading  bool
	banner   domain.Banner
	chart    ChartState
	selected string
	icons    map[string]string
	version  uint64
	pulse    time.Duration
	watchers map[chan struct{}]struct{}
}

var (
	_ domain.TableSurface = (*Board)(nil)
	_ domain.ChartSurface = (*Board)(nil)
)

// NewBoard creates an empty board. pulse <= 0 uses DefaultPulse.
func NewBoard(pulse time.Duration) *Board {
	if pulse <= 0 {
		pulse = DefaultPulse
	}
	return &Board{
		pulse:    pulse,
		icons:    make(map[string]string),
		watchers: make(map[chan struct{}]struct{}),
	}
}

// Watch returns a channel that receives a signal after changes. Signals are
// coalesced; read State for the content.
func (b *Board) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.watchers[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.watchers, ch)
			b.mu.Unlock()
		})
	}
}

// changed must be called with mu held.
func (b *Board) changed() {
	b.version++
	for ch := range b.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// State returns a copy of the board.
func (b *Board) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows := make([]RowState, len(b.rows))
	for i, r := range b.rows {
		rows[i] = r.state
		rows[i].Icon = b.icons[r.state.ID]
	}
	chart := b.chart
	chart.Points = slices.Clone(b.chart.Points)
	return State{
		Version:  b.version,
		Rows:     rows,
		Loading:  b.loading,
		Banner:   b.banner,
		Chart:    chart,
		Selected: b.selected,
	}
}

// Row returns the snapshot painted in the row for id.
func (b *Board) Row(id string) (domain.Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.rows {
		if r.snap.ID == id {
			return r.snap, true
		}
	}
	return domain.Snapshot{}, false
}

// MarkSelected highlights id as the selected coin.
func (b *Board) MarkSelected(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.selected == id {
		return
	}
	b.selected = id
	b.changed()
}

// SetIcon records the served path of a coin icon.
func (b *Board) SetIcon(id, path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.icons[id] == path {
		return
	}
	b.icons[id] = path
	b.changed()
}

// ======================================================================================
// Table surface
// ======================================================================================

// AppendRow adds a row at the bottom of the table.
func (b *Board) AppendRow(s domain.Snapshot) domain.RowView {
	r := &boardRow{board: b}
	b.mu.Lock()
	defer b.mu.Unlock()
	r.paint(s)
	b.rows = append(b.rows, r)
	b.changed()
	return r
}

// SetLoading toggles the global loading indicator.
func (b *Board) SetLoading(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loading == on {
		return
	}
	b.loading = on
	b.changed()
}

// ShowBanner replaces the table body with a message. BannerNone clears it.
func (b *Board) ShowBanner(banner domain.Banner) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.banner == banner {
		return
	}
	b.banner = banner
	b.changed()
}

// ======================================================================================
// Chart surface
// ======================================================================================

// ShowLoading puts the chart in its loading state for name.
func (b *Board) ShowLoading(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chart.Loading = true
	b.chart.LoadingName = name
	b.changed()
}

// HideLoading leaves the chart loading state.
func (b *Board) HideLoading() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.chart.Loading {
		return
	}
	b.chart.Loading = false
	b.chart.LoadingName = ""
	b.changed()
}

// Plot draws series for s.
func (b *Board) Plot(s domain.Snapshot, series *domain.Series) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var points []domain.PricePoint
	if series != nil {
		points = slices.Clone(series.Points)
	}
	price := s.Price
	if last, ok := series.Last(); ok && price.IsZero() {
		price = decimal.NewFromFloat(last.Price)
	}

	b.chart.ID = s.ID
	b.chart.Name = s.Name
	b.chart.Symbol = s.Symbol
	b.chart.Price = FormatPrice(price)
	b.chart.Change = FormatChange(s.ChangePct24h)
	b.chart.Rising = series.IsRising()
	b.chart.Points = points
	b.chart.UpdatedAt = time.Now()
	b.changed()
}

// ======================================================================================
// Rows
// ======================================================================================

type boardRow struct {
	board *Board
	snap  domain.Snapshot
	state RowState
	timer *time.Timer
}

// paint must be called with board.mu held.
func (r *boardRow) paint(s domain.Snapshot) {
	r.snap = s
	r.state.ID = s.ID
	r.state.Symbol = s.Symbol
	r.state.Name = s.Name
	r.state.Image = s.Image
	r.state.Price = FormatPrice(s.Price)
	r.state.Change = FormatChange(s.ChangePct24h)
	r.state.Direction = s.ChangeDirection()
	r.state.Sparkline = slices.Clone(s.Sparkline)
}

func (r *boardRow) Paint(s domain.Snapshot, pulse bool) {
	b := r.board
	b.mu.Lock()
	defer b.mu.Unlock()

	r.paint(s)
	if pulse {
		r.state.Pulsing = true
		if r.timer != nil {
			r.timer.Stop()
		}
		r.timer = time.AfterFunc(b.pulse, r.endPulse)
	}
	b.changed()
}

func (r *boardRow) endPulse() {
	b := r.board
	b.mu.Lock()
	defer b.mu.Unlock()
	if !r.state.Pulsing {
		return
	}
	r.state.Pulsing = false
	b.changed()
}

func (r *boardRow) FadeOut() {
	b := r.board
	b.mu.Lock()
	defer b.mu.Unlock()
	r.state.Fading = true
	b.changed()
}

func (r *boardRow) Detach() {
	b := r.board
	b.mu.Lock()
	defer b.mu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	i := slices.Index(b.rows, r)
	if i < 0 {
		return
	}
	b.rows = slices.Delete(b.rows, i, i+1)
	b.changed()
}
