// Package siteprofile holds the storefront facts the assistant is allowed to
// quote: company name, contact channels, address and conversation tone.
package siteprofile

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Profile is the read-only site profile.
type Profile struct {
	CompanyName   string `yaml:"company_name"`
	Phone         string `yaml:"phone"`
	Email         string `yaml:"email"`
	Address       string `yaml:"address"`
	Website       string `yaml:"website,omitempty"`
	BusinessHours string `yaml:"business_hours,omitempty"`
	// Tone is a short free-text style hint, e.g. "thân thiện, ngắn gọn".
	Tone string `yaml:"tone,omitempty"`
}

// Validate checks the fields the system instruction depends on.
func (p Profile) Validate() error {
	if strings.TrimSpace(p.CompanyName) == "" {
		return errors.New("company_name is required")
	}
	if p.Phone == "" && p.Email == "" {
		return errors.New("at least one of phone or email is required")
	}
	return nil
}

// Parse decodes a YAML profile.
func Parse(data []byte) (Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("failed to parse site profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, fmt.Errorf("invalid site profile: %w", err)
	}
	return p, nil
}

// LoadFile reads and parses a YAML profile file.
func LoadFile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("failed to read site profile: %w", err)
	}
	return Parse(data)
}

// Store holds the current profile. Readers take a snapshot at conversation
// open; later updates only affect conversations opened afterwards.
type Store struct {
	current atomic.Pointer[Profile]
}

// NewStore creates a store holding p.
func NewStore(p Profile) *Store {
	s := &Store{}
	s.Set(p)
	return s
}

// Current returns a copy of the current profile.
func (s *Store) Current() Profile {
	return *s.current.Load()
}

// Set replaces the profile.
func (s *Store) Set(p Profile) {
	s.current.Store(&p)
}
