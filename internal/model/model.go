package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"
)

var ErrInvalidKey = errors.New("invalid model choice")

// Key selects one of the configured model variants.
type Key int

type Variant struct {
	Key  Key    `json:"model_choice" yaml:"key"`
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name"`
}

// Registry is the immutable set of variants known at startup.
type Registry struct {
	variants map[Key]Variant
	keys     []Key
}

func NewRegistry(variants []Variant) (*Registry, error) {
	if len(variants) == 0 {
		return nil, errors.New("model registry: no variants configured")
	}

	r := &Registry{variants: make(map[Key]Variant, len(variants))}
	for _, v := range variants {
		if v.Key < 1 {
			return nil, fmt.Errorf("model registry: key %d must be positive", v.Key)
		}
		if v.ID == "" {
			return nil, fmt.Errorf("model registry: key %d has no model id", v.Key)
		}
		if _, ok := r.variants[v.Key]; ok {
			return nil, fmt.Errorf("model registry: duplicate key %d", v.Key)
		}
		r.variants[v.Key] = v
	}

	r.keys = lo.Keys(r.variants)
	sort.Slice(r.keys, func(i, j int) bool { return r.keys[i] < r.keys[j] })
	return r, nil
}

func (r *Registry) Lookup(key Key) (Variant, error) {
	v, ok := r.variants[key]
	if !ok {
		return Variant{}, fmt.Errorf("%w: %d", ErrInvalidKey, key)
	}
	return v, nil
}

func (r *Registry) Keys() []Key {
	return append([]Key(nil), r.keys...)
}

func (r *Registry) Variants() []Variant {
	return lo.Map(r.keys, func(k Key, _ int) Variant { return r.variants[k] })
}

// Choices renders the valid keys for user-facing messages, e.g. "1 or 2".
func (r *Registry) Choices() string {
	names := lo.Map(r.keys, func(k Key, _ int) string { return fmt.Sprint(int(k)) })
	if len(names) == 1 {
		return names[0]
	}
	return strings.Join(names[:len(names)-1], ", ") + " or " + names[len(names)-1]
}
