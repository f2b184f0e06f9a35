package domain

import (
	"context"
)

// MarketDataClient is the boundary to the remote market-data source.
type MarketDataClient interface {
	// FetchTop returns the top coins by market cap.
	FetchTop(ctx context.Context, limit int) ([]Snapshot, error)
	// FetchByIDs returns market data for the given coins.
	FetchByIDs(ctx context.Context, ids []string) ([]Snapshot, error)
	// Search returns catalog entries whose name, symbol or id contains query.
	Search(ctx context.Context, query string) ([]CoinBasic, error)
	// FetchHistory returns the intraday series of one coin.
	FetchHistory(ctx context.Context, id string) (*Series, error)
}

// BannerKind selects what the table shows instead of rows.
type BannerKind int

const (
	BannerNone BannerKind = iota
	BannerError
	BannerEmpty
)

// Banner is a full-width message replacing the table body.
type Banner struct {
	Kind    BannerKind `json:"kind"`
	Message string     `json:"message"`
}

// RowView is the presentation handle of one table row.
type RowView interface {
	// Paint redraws the row. pulse requests a transient "updating" highlight.
	Paint(s Snapshot, pulse bool)
	// FadeOut starts the removal animation.
	FadeOut()
	// Detach removes the row from the screen and releases it.
	Detach()
}

// TableSurface is the presentation side of the coin table.
type TableSurface interface {
	AppendRow(s Snapshot) RowView
	SetLoading(on bool)
	ShowBanner(b Banner)
}

// ChartSurface is the presentation side of the live chart.
type ChartSurface interface {
	ShowLoading(name string)
	HideLoading()
	Plot(s Snapshot, series *Series)
}
