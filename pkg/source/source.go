// Package source fetches the reference artwork the index is built from.
package source

import (
	"context"
	"errors"
	"image"
	"strings"
)

// ErrFetch marks a reference image that could not be fetched or decoded.
// The builder treats it as a skipped source, never as a fatal error.
var ErrFetch = errors.New("reference source fetch failed")

// Base location of the public sprite repository
const SpriteBase = "https://raw.githubusercontent.com/PokeAPI/sprites/master/sprites/pokemon"

// Variant is one family of reference images. The "{id}" placeholder in
// URLTemplate is replaced by the label.
type Variant struct {
	Name        string `yaml:"name"`
	URLTemplate string `yaml:"url"`
}

// URL resolves the variant for label
func (v Variant) URL(label string) string {
	return strings.ReplaceAll(v.URLTemplate, "{id}", label)
}

// DefaultVariants returns the four artwork families, in fetch order
func DefaultVariants() []Variant {
	return []Variant{
		{Name: "official-artwork", URLTemplate: SpriteBase + "/other/official-artwork/{id}.png"},
		{Name: "home", URLTemplate: SpriteBase + "/other/home/{id}.png"},
		{Name: "sprite", URLTemplate: SpriteBase + "/{id}.png"},
		{Name: "dream-world", URLTemplate: SpriteBase + "/other/dream-world/{id}.svg"},
	}
}

// Fetcher loads one reference image
type Fetcher interface {
	Fetch(ctx context.Context, label string, variant Variant) (image.Image, error)
}

// Cache stores raw reference bytes keyed by URL
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, data []byte) error
}
