package character

import (
	"os"
	"path/filepath"
	"testing"
)

func writeCharacter(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write character file: %v", err)
	}
	return path
}

func TestLoad_NameIDDefaultsToFilename(t *testing.T) {
	path := writeCharacter(t, "ada.json", `{"name": "Ada"}`)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Name != "Ada" {
		t.Errorf("Name = %q", c.Name)
	}
	if c.NameID != "ada" {
		t.Errorf("NameID = %q, want ada", c.NameID)
	}
}

func TestLoad_RequiresName(t *testing.T) {
	path := writeCharacter(t, "anon.json", `{"intro": "no name here"}`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing name")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestPlatform_AppliesDefaults(t *testing.T) {
	path := writeCharacter(t, "ada.json", `{
		"name": "Ada",
		"platform_settings": {
			"twitter": {"enabled": true, "username": "ada_art"}
		}
	}`)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	ps := c.Platform("twitter")
	if ps.Responding.ResponsesPerHour != 3 {
		t.Errorf("ResponsesPerHour = %d, want 3", ps.Responding.ResponsesPerHour)
	}
	if ps.Post.FrequencyHours != 1 {
		t.Errorf("FrequencyHours = %v, want 1", ps.Post.FrequencyHours)
	}
	if ps.Engage.SearchFrequencyHours != 1 {
		t.Errorf("SearchFrequencyHours = %v, want 1", ps.Engage.SearchFrequencyHours)
	}
	if ps.Engage.ExcludeRespondedTo == nil || !*ps.Engage.ExcludeRespondedTo {
		t.Error("ExcludeRespondedTo should default to true")
	}
}

func TestPlatform_ExplicitValuesKept(t *testing.T) {
	path := writeCharacter(t, "ada.json", `{
		"name": "Ada",
		"platform_settings": {
			"twitter": {
				"enabled": true,
				"responding": {"enabled": true, "responses_per_hour": 7},
				"post": {"enabled": true, "frequency_hours": 0.5},
				"engage": {"exclude_responded_to": false}
			}
		}
	}`)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	ps := c.Platform("twitter")
	if ps.Responding.ResponsesPerHour != 7 {
		t.Errorf("ResponsesPerHour = %d, want 7", ps.Responding.ResponsesPerHour)
	}
	if ps.Post.FrequencyHours != 0.5 {
		t.Errorf("FrequencyHours = %v, want 0.5", ps.Post.FrequencyHours)
	}
	if ps.Engage.ExcludeRespondedTo == nil || *ps.Engage.ExcludeRespondedTo {
		t.Error("explicit exclude_responded_to=false must survive defaults")
	}
}

func TestUsername_FallsBackToNameID(t *testing.T) {
	path := writeCharacter(t, "ada.json", `{
		"name": "Ada",
		"platform_settings": {
			"twitter": {"username": "ada_art"}
		}
	}`)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := c.Username("twitter"); got != "ada_art" {
		t.Errorf("Username(twitter) = %q", got)
	}
	if got := c.Username("discord"); got != "ada" {
		t.Errorf("Username(discord) = %q, want name id fallback", got)
	}
}

func TestEnabledPlatforms(t *testing.T) {
	path := writeCharacter(t, "ada.json", `{
		"name": "Ada",
		"platform_settings": {
			"twitter": {"enabled": true},
			"discord": {"enabled": false}
		}
	}`)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	enabled := c.EnabledPlatforms()
	if len(enabled) != 1 || enabled[0] != "twitter" {
		t.Errorf("EnabledPlatforms = %v, want [twitter]", enabled)
	}
}
