package channel

import (
	"fmt"
	"sort"
	"sync"

	"github.com/atlasbridge/atlasbridge/internal/common/config"
	"github.com/atlasbridge/atlasbridge/internal/common/logger"
)

// Factory builds a channel from its configuration section.
type Factory func(name string, cfg config.Channel, log *logger.Logger) (Channel, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a named channel factory. Called from package init.
func Register(kind string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = factory
}

// New builds the channel configured under name.
func New(name string, cfg config.Channel, log *logger.Logger) (Channel, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown channel kind %q (available: %v)", cfg.Kind, Kinds())
	}
	return factory(name, cfg, log)
}

// Kinds lists registered channel kinds, sorted.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(registry))
	for kind := range registry {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
