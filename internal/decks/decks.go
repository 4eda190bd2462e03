package decks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"podsim/internal/model"

	"github.com/rs/zerolog/log"
)

// ErrUnknownDeck is returned when a requested deck id has no catalog entry.
var ErrUnknownDeck = errors.New("unknown deck")

// Resolver turns saved deck ids into full deck descriptors. The deck catalog
// itself lives outside this service; deployments plug in their own source.
type Resolver interface {
	// Resolve returns one deck per id, in input order.
	Resolve(ctx context.Context, deckIDs []string) ([]model.Deck, error)
}

type staticResolver struct {
	catalog map[string]model.Deck
}

// NewStatic builds a resolver over a fixed catalog.
func NewStatic(catalog map[string]model.Deck) Resolver {
	if catalog == nil {
		catalog = map[string]model.Deck{}
	}
	return &staticResolver{catalog: catalog}
}

// NewFromFile loads a JSON catalog of id -> deck. A missing file yields an
// empty catalog, so deployments that only submit inline decks need no file.
func NewFromFile(path string) (Resolver, error) {
	if path == "" {
		return NewStatic(nil), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", path).Msg("No deck catalog file, starting empty")
			return NewStatic(nil), nil
		}
		return nil, fmt.Errorf("failed to read deck catalog: %w", err)
	}

	var catalog map[string]model.Deck
	if err := json.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse deck catalog: %w", err)
	}

	log.Info().Str("path", path).Int("decks", len(catalog)).Msg("Loaded deck catalog")
	return NewStatic(catalog), nil
}

func (r *staticResolver) Resolve(ctx context.Context, deckIDs []string) ([]model.Deck, error) {
	resolved := make([]model.Deck, 0, len(deckIDs))
	for _, id := range deckIDs {
		deck, ok := r.catalog[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDeck, id)
		}
		resolved = append(resolved, deck)
	}
	return resolved, nil
}
