package seed

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ent0n29/haven/internal/persona"
	"github.com/ent0n29/haven/internal/safety"
	"github.com/ent0n29/haven/internal/store"
)

// Guardian links a guardian to the minors whose alerts they receive.
type Guardian struct {
	ID     string   `yaml:"id"`
	Minors []string `yaml:"minors"`
}

// File is the on-disk seed document.
type File struct {
	Guardians     []Guardian           `yaml:"guardians"`
	GuardRules    []safety.GuardRules  `yaml:"guard_rules"`
	Personas      []persona.Config     `yaml:"personas"`
	Conversations []store.Conversation `yaml:"conversations"`
}

// Summary counts what Apply wrote.
type Summary struct {
	Links         int
	GuardRules    int
	Personas      int
	Conversations int
}

// Store is the subset of store.Store seeding writes to.
type Store interface {
	LinkGuardian(ctx context.Context, guardianID, minorID string) error
	PutGuardRules(ctx context.Context, rules safety.GuardRules) error
	SavePersona(ctx context.Context, p persona.Config) error
	CreateConversation(ctx context.Context, c store.Conversation) (store.Conversation, error)
}

func Load(path string) (File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return File{}, fmt.Errorf("decode seed file: %w", err)
	}
	return f, nil
}

// Apply writes the seed in dependency order: guardian links, rules, personas,
// then conversations. It is idempotent; rules and personas are replaced and
// existing conversations are kept.
func Apply(ctx context.Context, s Store, f File) (Summary, error) {
	var sum Summary
	for _, g := range f.Guardians {
		id := strings.TrimSpace(g.ID)
		if id == "" {
			return sum, fmt.Errorf("seed guardian: id is required")
		}
		for _, minor := range g.Minors {
			minor = strings.TrimSpace(minor)
			if minor == "" {
				continue
			}
			if err := s.LinkGuardian(ctx, id, minor); err != nil {
				return sum, fmt.Errorf("seed guardian %s: %w", id, err)
			}
			sum.Links++
		}
	}
	for _, r := range f.GuardRules {
		if err := s.PutGuardRules(ctx, r); err != nil {
			return sum, fmt.Errorf("seed guard rules for %s: %w", r.MinorID, err)
		}
		sum.GuardRules++
	}
	for _, p := range f.Personas {
		if err := s.SavePersona(ctx, p); err != nil {
			return sum, fmt.Errorf("seed persona %s: %w", p.ID, err)
		}
		sum.Personas++
	}
	for _, c := range f.Conversations {
		if strings.TrimSpace(c.MinorID) == "" {
			return sum, fmt.Errorf("seed conversation %s: minor_id is required", c.ID)
		}
		if _, err := s.CreateConversation(ctx, c); err != nil {
			return sum, fmt.Errorf("seed conversation %s: %w", c.ID, err)
		}
		sum.Conversations++
	}
	return sum, nil
}
