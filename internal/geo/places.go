package geo

import (
	"context"
	"errors"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrUnknownPlace = errors.New("unknown place")

// Places resolves named places to coordinates.
type Places interface {
	Lookup(ctx context.Context, name string) (models.Point, error)
	Register(ctx context.Context, name string, p models.Point) error
}

// Index is an in-memory place registry.
type Index struct {
	mu     sync.RWMutex
	places map[string]models.Point
}

func NewIndex() *Index {
	return &Index{places: make(map[string]models.Point)}
}

func (g *Index) Register(_ context.Context, name string, p models.Point) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.places[name] = p
	return nil
}

func (g *Index) Lookup(_ context.Context, name string) (models.Point, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.places[name]
	if !ok {
		return models.Point{}, ErrUnknownPlace
	}
	return p, nil
}
