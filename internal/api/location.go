package api

import (
	"sync"

	"mealtrack/internal/model"
)

// LocationCache stores the latest known position per delivery. Positions are
// transient by design: latest-wins, nothing is written to the store.
type LocationCache struct {
	mu sync.Mutex
	m  map[string]model.GeoPosition // deliveryId -> latest position
}

// NewLocationCache constructs a LocationCache.
func NewLocationCache() *LocationCache {
	return &LocationCache{m: map[string]model.GeoPosition{}}
}

// Upsert overwrites the latest position for a delivery.
func (c *LocationCache) Upsert(deliveryID string, pos model.GeoPosition) {
	if deliveryID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[deliveryID] = pos
}

// Latest returns the most recent position for a delivery, if any.
func (c *LocationCache) Latest(deliveryID string) (model.GeoPosition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos, ok := c.m[deliveryID]
	return pos, ok
}

// Drop removes a delivery's position once tracking ends.
func (c *LocationCache) Drop(deliveryID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, deliveryID)
}
