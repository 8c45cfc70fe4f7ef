package configuration

import (
	"context"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ErrConfigNotFound is returned when no edition exists for a code.
var ErrConfigNotFound = errors.New("configuration not found")

// Source loads edition payloads from persistent storage.
type Source interface {
	// ActiveEdition returns the active edition name and its JSON tree.
	ActiveEdition(ctx context.Context, code string) (string, []byte, error)
	// Edition returns the JSON tree of a specific edition.
	Edition(ctx context.Context, code, edition string) ([]byte, error)
	// Editions lists all edition names of a code, oldest first.
	Editions(ctx context.Context, code string) ([]string, error)
}

// Registry hands out decoded configurations, caching them in memory.
// Decoding a configuration tree is not free and the set of editions is
// small and changes rarely, so entries live until Activate flushes them.
type Registry struct {
	source Source
	cache  *gocache.Cache
}

func NewRegistry(source Source) *Registry {
	return &Registry{
		source: source,
		cache:  gocache.New(gocache.NoExpiration, 10*time.Minute),
	}
}

// Get returns the active edition of a configuration code.
func (r *Registry) Get(ctx context.Context, code string) (*Configuration, error) {
	activeKey := "active:" + code
	if v, ok := r.cache.Get(activeKey); ok {
		return v.(*Configuration), nil
	}
	edition, data, err := r.source.ActiveEdition(ctx, code)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(code, edition, data)
	if err != nil {
		return nil, err
	}
	r.cache.Set(activeKey, cfg, gocache.NoExpiration)
	r.cache.Set(editionKey(code, edition), cfg, gocache.NoExpiration)
	return cfg, nil
}

// GetEdition returns a specific edition of a configuration code. Older
// editions stay readable so existing questionnaires keep rendering.
func (r *Registry) GetEdition(ctx context.Context, code, edition string) (*Configuration, error) {
	key := editionKey(code, edition)
	if v, ok := r.cache.Get(key); ok {
		return v.(*Configuration), nil
	}
	data, err := r.source.Edition(ctx, code, edition)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(code, edition, data)
	if err != nil {
		return nil, err
	}
	r.cache.Set(key, cfg, gocache.NoExpiration)
	return cfg, nil
}

// Editions lists the known editions of a code, oldest first.
func (r *Registry) Editions(ctx context.Context, code string) ([]string, error) {
	return r.source.Editions(ctx, code)
}

// Activate drops every cached entry for a code after a new edition has been
// activated in storage. The next Get reloads from the source.
func (r *Registry) Activate(code string) {
	for key := range r.cache.Items() {
		if key == "active:"+code || hasEditionPrefix(key, code) {
			r.cache.Delete(key)
		}
	}
}

func editionKey(code, edition string) string {
	return fmt.Sprintf("edition:%s:%s", code, edition)
}

func hasEditionPrefix(key, code string) bool {
	prefix := "edition:" + code + ":"
	return len(key) > len(prefix) && key[:len(prefix)] == prefix
}
