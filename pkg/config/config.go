// Package config parses environment variables into typed configuration
// structs. Each struct type is parsed once per process and cached, so every
// component can ask for its own config without coordinating load order.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	ErrNilPointer = errors.New("config: nil pointer passed to Load")
	ErrParse      = errors.New("config: failed to parse environment")
)

var (
	mu     sync.Mutex
	cache  = make(map[reflect.Type]any)
	dotenv sync.Once
)

// LoadEnv reads the given dotenv files into the process environment before
// any struct is parsed. Later files win. Missing files are an error; call it
// only with files that should exist.
func LoadEnv(paths ...string) error {
	return godotenv.Overload(paths...)
}

// Load parses environment variables into cfg based on its `env` tags. The
// first call for a given struct type parses the environment; later calls
// return the cached value.
func Load[T any](cfg *T) error {
	if cfg == nil {
		return ErrNilPointer
	}

	dotenv.Do(func() {
		// A default .env is optional.
		_ = godotenv.Load()
	})

	key := reflect.TypeOf(*cfg)

	mu.Lock()
	defer mu.Unlock()

	if cached, ok := cache[key]; ok {
		*cfg = cached.(T)
		return nil
	}
	if err := env.Parse(cfg); err != nil {
		return errors.Join(ErrParse, err)
	}
	cache[key] = *cfg
	return nil
}

// MustLoad is Load for configuration the process cannot start without.
func MustLoad[T any](cfg *T) {
	if err := Load(cfg); err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
}

// Reset drops the cache. Tests use it to re-parse after changing the
// environment.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	cache = make(map[reflect.Type]any)
}
