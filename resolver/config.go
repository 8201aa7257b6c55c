// Package resolver compiles a domain's declarative descriptor tree into
// a flat map from descriptor path to Limit, and resolves an incoming
// descriptor against it by trying progressively shorter prefixes —
// most-specific-prefix-wins.
package resolver

import (
	"strings"

	"github.com/ratelimitd/ratelimitd/internal/types"
)

// Config is one domain's declarative configuration, as parsed from
// YAML. It is the uncompiled, nested form described in the
// configuration file format (spec §6).
type Config struct {
	Domain      string       `yaml:"domain"`
	Descriptors []Descriptor `yaml:"descriptors"`
}

// Descriptor is a node in the configuration's prefix tree. A node with
// no Value is a wildcard that matches any request value for Key; a
// node with no RateLimit is purely structural and only contributes
// entries through its Descriptors children.
type Descriptor struct {
	Key        string      `yaml:"key"`
	Value      *string     `yaml:"value,omitempty"`
	RateLimit  *RateLimit  `yaml:"rate_limit,omitempty"`
	ShadowMode *bool       `yaml:"shadow_mode,omitempty"`
	Descriptors []Descriptor `yaml:"descriptors,omitempty"`
}

// RateLimit is the leaf quota attached to a Descriptor node.
type RateLimit struct {
	RequestsPerUnit uint32 `yaml:"requests_per_unit"`
	Unit            string `yaml:"unit"`
	Unlimited       *bool  `yaml:"unlimited,omitempty"`
	Name            *string `yaml:"name,omitempty"`
}

// Compiled is the flattened, read-only form of a domain's
// configuration: a map from descriptor path string to the Limit
// matching it. It is safe for concurrent reads by any number of
// decisions, and is never mutated after Compile returns it.
type Compiled struct {
	domain string
	limits map[string]types.Limit
}

// Domain returns the domain this configuration was compiled for.
func (c *Compiled) Domain() string { return c.domain }

// Compile flattens cfg's descriptor tree into a path->Limit map.
// Two distinct specs that compile to the same path is a ConfigError;
// nested specs with no leaf limit anywhere in their subtree are legal
// and simply contribute no entries.
func Compile(cfg Config) (*Compiled, error) {
	limits := make(map[string]types.Limit)
	for i := range cfg.Descriptors {
		if err := compileNode(&cfg.Descriptors[i], nil, limits); err != nil {
			return nil, err
		}
	}
	return &Compiled{domain: cfg.Domain, limits: limits}, nil
}

func compileNode(d *Descriptor, path []string, limits map[string]types.Limit) error {
	step := d.Key
	if d.Value != nil && *d.Value != "" {
		step = d.Key + "_" + *d.Value
	}
	path = append(path, step)

	if d.RateLimit != nil {
		pathKey := strings.Join(path, ":")
		if _, exists := limits[pathKey]; exists {
			return &types.ConfigError{Msg: "duplicate descriptor path: " + pathKey}
		}

		unit, err := types.ParseUnit(d.RateLimit.Unit)
		if err != nil {
			return err
		}

		limit := types.Limit{
			RequestsPerUnit: d.RateLimit.RequestsPerUnit,
			Unit:            unit,
			Unlimited:       boolOr(d.RateLimit.Unlimited, false),
			ShadowMode:      boolOr(d.ShadowMode, false),
		}
		if d.RateLimit.Name != nil {
			limit.Name = *d.RateLimit.Name
		}
		limits[pathKey] = limit
	}

	for i := range d.Descriptors {
		if err := compileNode(&d.Descriptors[i], path, limits); err != nil {
			return err
		}
	}
	return nil
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
