package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"lemmacheck/internal/util"
	"lemmacheck/pkg/domain"
)

type estateEntry struct {
	EstateName map[string]string `json:"Estate Name"`
}

// ParseEstateListing reads the public-housing estate listing
// (`[{"Estate Name": {"zh-Hant": ...}}]`) into purchasable houses. Entries
// without a Traditional Chinese name fall back to English, then are skipped.
func ParseEstateListing(data []byte) ([]domain.House, error) {
	var entries []estateEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidListing, err)
	}
	houses := make([]domain.House, 0, len(entries))
	for _, e := range entries {
		name := strings.TrimSpace(e.EstateName["zh-Hant"])
		if name == "" {
			name = strings.TrimSpace(e.EstateName["en"])
		}
		if name == "" {
			continue
		}
		houses = append(houses, domain.House{Name: name, CanBuy: true})
	}
	return houses, nil
}

// ListHouses returns the house catalog.
func (a *App) ListHouses(ctx context.Context) ([]domain.House, error) {
	return a.store.ListHouses(ctx)
}

// ImportHouses adds the estates of listing that are not in the catalog yet.
func (a *App) ImportHouses(ctx context.Context, listing []byte) (int, error) {
	houses, err := ParseEstateListing(listing)
	if err != nil {
		return 0, err
	}
	n, err := a.store.InsertMissingHouses(ctx, houses)
	if err != nil {
		return 0, fmt.Errorf("insert houses: %w", err)
	}
	util.LoggerFromContext(ctx).Info("houses_imported", "listed", len(houses), "inserted", n)
	return n, nil
}
