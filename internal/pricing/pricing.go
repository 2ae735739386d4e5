// Package pricing holds the per-family SKU rate tables and promo codes,
// loaded from a YAML file. Prices are always recomputed server-side; the
// client-declared amount is never consulted.
package pricing

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"order-dispatch-service/internal/entity"
)

var (
	ErrUnknownSKU   = errors.New("unknown sku")
	ErrUnknownPromo = errors.New("unknown promo code")
)

// DefaultMaxMinutes caps a single order when the config does not set one.
const DefaultMaxMinutes = 240

type SKU struct {
	Name string `yaml:"name"`
	// PerMinute is the rate in minor currency units (e.g. cents).
	PerMinute int64  `yaml:"per_minute"`
	Currency  string `yaml:"currency"`
}

type FamilyConfig struct {
	QueueKey string         `yaml:"queue_key"`
	SKUs     map[string]SKU `yaml:"skus"`
	// Promos maps a normalized code to a percentage discount (0-100).
	Promos map[string]int `yaml:"promos"`
}

type Table struct {
	MaxMinutes int                            `yaml:"max_minutes"`
	Families   map[entity.Family]FamilyConfig `yaml:"families"`
}

func Load(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing config: %w", err)
	}
	var t Table
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("parse pricing config: %w", err)
	}
	if t.MaxMinutes <= 0 {
		t.MaxMinutes = DefaultMaxMinutes
	}
	for fam, fc := range t.Families {
		if _, err := entity.ParseFamily(string(fam)); err != nil {
			return nil, fmt.Errorf("pricing config: %w", err)
		}
		if fc.QueueKey == "" {
			fc.QueueKey = string(fam) + ":queue"
			t.Families[fam] = fc
		}
	}
	return &t, nil
}

// ClampMinutes forces minutes into [1, MaxMinutes].
func (t *Table) ClampMinutes(m int) int {
	if m < 1 {
		return 1
	}
	if m > t.MaxMinutes {
		return t.MaxMinutes
	}
	return m
}

// Lookup returns the SKU entry for a family, or ErrUnknownSKU.
func (t *Table) Lookup(kind entity.Family, sku string) (SKU, error) {
	fc, ok := t.Families[kind]
	if !ok {
		return SKU{}, fmt.Errorf("%w: family %s not configured", ErrUnknownSKU, kind)
	}
	s, ok := fc.SKUs[sku]
	if !ok {
		return SKU{}, fmt.Errorf("%w: %s/%s", ErrUnknownSKU, kind, sku)
	}
	return s, nil
}

// NormalizePromo trims and uppercases a client-supplied code.
func NormalizePromo(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Price computes the expected charge in minor units for minutes of the given
// SKU, applying the promo discount when the code is configured for the
// family. An unknown non-empty promo is rejected rather than silently
// ignored.
func (t *Table) Price(kind entity.Family, sku string, minutes int, promo string) (int64, string, error) {
	s, err := t.Lookup(kind, sku)
	if err != nil {
		return 0, "", err
	}
	minutes = t.ClampMinutes(minutes)
	amount := s.PerMinute * int64(minutes)

	if promo = NormalizePromo(promo); promo != "" {
		pct, ok := t.Families[kind].Promos[promo]
		if !ok {
			return 0, "", fmt.Errorf("%w: %s", ErrUnknownPromo, promo)
		}
		amount -= amount * int64(pct) / 100
	}
	return amount, s.Currency, nil
}

// QueueKey returns the redis list key for a family's queue.
func (t *Table) QueueKey(kind entity.Family) string {
	if fc, ok := t.Families[kind]; ok && fc.QueueKey != "" {
		return fc.QueueKey
	}
	return string(kind) + ":queue"
}
