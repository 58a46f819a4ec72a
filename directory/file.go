// Package directory resolves the campaign and agency metadata attribution
// reads: a static seed file, a bbolt-backed directory, and a Redis
// read-through cache in front of either.
package directory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/kredo/types"
)

// File is the on-disk directory seed
type File struct {
	Version   string           `yaml:"version" toml:"version"`
	Campaigns []types.Campaign `yaml:"campaigns" toml:"campaigns"`
	Agencies  []types.Agency   `yaml:"agencies" toml:"agencies"`
}

// LoadFile reads a directory file; .toml is parsed as TOML, anything else as YAML
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("failed to read directory file: %w", err)
	}

	var f File
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, &f)
	} else {
		err = yaml.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse directory file: %w", err)
	}

	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid directory file: %w", err)
	}
	return &f, nil
}

// Validate ensures identifiers are present and unique, and policies parse
func (f *File) Validate() error {
	seen := make(map[string]bool)
	for i, c := range f.Campaigns {
		if c.ID == "" {
			return fmt.Errorf("campaigns[%d]: id is required", i)
		}
		if seen[c.ID] {
			return fmt.Errorf("campaigns[%d]: duplicate id %q", i, c.ID)
		}
		seen[c.ID] = true
		if c.Policy != nil {
			if err := c.EffectivePolicy().Validate(); err != nil {
				return fmt.Errorf("campaign %s: %w", c.ID, err)
			}
		}
	}

	agencies := make(map[string]bool)
	for i, a := range f.Agencies {
		if a.ID == "" {
			return fmt.Errorf("agencies[%d]: id is required", i)
		}
		if agencies[a.ID] {
			return fmt.Errorf("agencies[%d]: duplicate id %q", i, a.ID)
		}
		agencies[a.ID] = true
	}
	return nil
}

// Static is an immutable in-memory directory
type Static struct {
	campaigns map[string]types.Campaign
	agencies  map[string]types.Agency
	ids       []string
}

// NewStatic indexes a directory file
func NewStatic(f *File) *Static {
	s := &Static{
		campaigns: make(map[string]types.Campaign, len(f.Campaigns)),
		agencies:  make(map[string]types.Agency, len(f.Agencies)),
	}
	for _, c := range f.Campaigns {
		s.campaigns[c.ID] = c
		s.ids = append(s.ids, c.ID)
	}
	sort.Strings(s.ids)
	for _, a := range f.Agencies {
		s.agencies[a.ID] = a
	}
	return s
}

// Campaign returns a copy of the campaign
func (s *Static) Campaign(ctx context.Context, id string) (*types.Campaign, error) {
	c, ok := s.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("campaign %s: %w", id, types.ErrNotFound)
	}
	return cloneCampaign(c), nil
}

// CampaignByUTM returns the first active campaign, by id, of the brand with
// the UTM identifier. An empty brand matches any brand.
func (s *Static) CampaignByUTM(ctx context.Context, brandID, utmCampaign string) (*types.Campaign, error) {
	for _, id := range s.ids {
		c := s.campaigns[id]
		if matchesUTM(&c, brandID, utmCampaign) {
			return cloneCampaign(c), nil
		}
	}
	return nil, fmt.Errorf("campaign with utm %q: %w", utmCampaign, types.ErrNotFound)
}

func (s *Static) Agency(ctx context.Context, id string) (*types.Agency, error) {
	a, ok := s.agencies[id]
	if !ok {
		return nil, fmt.Errorf("agency %s: %w", id, types.ErrNotFound)
	}
	return &a, nil
}

func matchesUTM(c *types.Campaign, brandID, utmCampaign string) bool {
	if utmCampaign == "" || c.UTMCampaign != utmCampaign || !c.IsActive() {
		return false
	}
	return brandID == "" || c.BrandID == brandID
}

// cloneCampaign copies the campaign so callers cannot alter the directory
func cloneCampaign(c types.Campaign) *types.Campaign {
	out := c
	if c.Platforms != nil {
		out.Platforms = append([]types.Platform(nil), c.Platforms...)
	}
	if c.Policy != nil {
		p := *c.Policy
		out.Policy = &p
	}
	return &out
}
