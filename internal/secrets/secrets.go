// Package secrets resolves named secrets for workflow expressions.
package secrets

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNotFound is returned when a secret name has no value.
var ErrNotFound = errors.New("secret not found")

// Resolver looks up a secret by name.
type Resolver interface {
	Resolve(name string) (string, error)

	// Names lists every resolvable secret, so values can be registered for
	// redaction before anything runs.
	Names() []string
}

// envPrefix marks process environment variables that feed the resolver:
// GANTRY_SECRET_API_KEY becomes the secret API_KEY.
const envPrefix = "GANTRY_SECRET_"

// StaticResolver holds a fixed name→value map.
type StaticResolver struct {
	values map[string]string
}

// NewStaticResolver builds a resolver from an explicit map.
func NewStaticResolver(values map[string]string) *StaticResolver {
	if values == nil {
		values = make(map[string]string)
	}
	return &StaticResolver{values: values}
}

// Load reads secrets from a KEY=VALUE file (optional) and from
// GANTRY_SECRET_* process environment variables. Environment entries win
// over file entries.
func Load(path string) (*StaticResolver, error) {
	values := make(map[string]string)

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening secrets file: %w", err)
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		line := 0
		for scanner.Scan() {
			line++
			text := strings.TrimSpace(scanner.Text())
			if text == "" || strings.HasPrefix(text, "#") {
				continue
			}
			key, value, ok := strings.Cut(text, "=")
			if !ok {
				return nil, fmt.Errorf("secrets file %s:%d: expected KEY=VALUE", path, line)
			}
			values[strings.TrimSpace(key)] = value
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading secrets file: %w", err)
		}
	}

	for _, entry := range os.Environ() {
		key, value, _ := strings.Cut(entry, "=")
		if name, ok := strings.CutPrefix(key, envPrefix); ok && name != "" {
			values[name] = value
		}
	}

	return NewStaticResolver(values), nil
}

// Resolve implements Resolver.
func (r *StaticResolver) Resolve(name string) (string, error) {
	if value, ok := r.values[name]; ok {
		return value, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Names implements Resolver.
func (r *StaticResolver) Names() []string {
	names := make([]string, 0, len(r.values))
	for name := range r.values {
		names = append(names, name)
	}
	return names
}
