package character

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Character is a persona definition loaded from a JSON file. One process
// runs one character; several characters may share a message store.
type Character struct {
	Name         string `json:"name"`
	NameID       string `json:"name_id"`
	Intro        string `json:"intro"`
	Lore         string `json:"lore"`
	Instructions string `json:"instructions"`

	Traits []string `json:"traits"`
	Topics []string `json:"topics"`

	Platforms map[string]PlatformSettings `json:"platform_settings"`
}

// PlatformSettings is the per-platform behavior surface consumed by the
// engagement loop. Zero values disable the corresponding phase.
type PlatformSettings struct {
	Enabled    bool               `json:"enabled"`
	Username   string             `json:"username"`
	ChatID     string             `json:"chat_id"`
	Post       PostSettings       `json:"post"`
	Responding RespondingSettings `json:"responding"`
	Engage     EngageSettings     `json:"engage"`
}

type PostSettings struct {
	Enabled        bool    `json:"enabled"`
	FrequencyHours float64 `json:"frequency_hours"`
	// Cron, when set, overrides FrequencyHours for post cadence.
	Cron string `json:"cron"`
}

type RespondingSettings struct {
	Enabled          bool     `json:"enabled"`
	ResponsesPerHour int      `json:"responses_per_hour"`
	FilteringRules   []string `json:"filtering_rules"`
}

type EngageSettings struct {
	Enabled              bool     `json:"enabled"`
	SearchFrequencyHours float64  `json:"search_frequency_hours"`
	SearchQueries        []string `json:"search_queries"`
	ExcludeRespondedTo   *bool    `json:"exclude_responded_to"`
}

// Load reads a character definition from path. Name is required; NameID
// defaults to the file name, then to the lowercased character name.
func Load(path string) (*Character, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read character file: %w", err)
	}

	var c Character
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse character file: %w", err)
	}
	if strings.TrimSpace(c.Name) == "" {
		return nil, fmt.Errorf("character file %s: name is required", path)
	}
	if c.NameID == "" {
		base := filepath.Base(path)
		c.NameID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if c.NameID == "" {
		c.NameID = strings.ToLower(c.Name)
	}
	if c.Platforms == nil {
		c.Platforms = map[string]PlatformSettings{}
	}
	return &c, nil
}

// Platform returns the settings for a platform with defaults applied:
// responses per hour 3, post frequency 1h, search frequency 1h,
// exclude-responded-to true.
func (c *Character) Platform(name string) PlatformSettings {
	ps := c.Platforms[name]
	if ps.Responding.ResponsesPerHour <= 0 {
		ps.Responding.ResponsesPerHour = 3
	}
	if ps.Post.FrequencyHours <= 0 {
		ps.Post.FrequencyHours = 1
	}
	if ps.Engage.SearchFrequencyHours <= 0 {
		ps.Engage.SearchFrequencyHours = 1
	}
	if ps.Engage.ExcludeRespondedTo == nil {
		t := true
		ps.Engage.ExcludeRespondedTo = &t
	}
	return ps
}

// Username returns the character's handle on a platform, falling back to
// the character name id.
func (c *Character) Username(platform string) string {
	if ps, ok := c.Platforms[platform]; ok && ps.Username != "" {
		return ps.Username
	}
	return c.NameID
}

// EnabledPlatforms lists platforms whose settings mark them enabled.
func (c *Character) EnabledPlatforms() []string {
	var names []string
	for name, ps := range c.Platforms {
		if ps.Enabled {
			names = append(names, name)
		}
	}
	return names
}
