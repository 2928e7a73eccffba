package providers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dotsetgreg/mingle/pkg/character"
	"github.com/dotsetgreg/mingle/pkg/config"
)

func TestNewOpenAI_RequiresAPIKey(t *testing.T) {
	_, err := NewOpenAI(config.OpenAIConfig{}, &character.Character{Name: "Ada"})
	assert.Error(t, err)
}

func TestNewOpenAI_ModelDefaults(t *testing.T) {
	o, err := NewOpenAI(config.OpenAIConfig{APIKey: "sk-test"}, &character.Character{Name: "Ada"})
	assert.NoError(t, err)
	assert.Equal(t, "gpt-4o", o.model)
	assert.Equal(t, "omni-moderation-latest", o.moderationModel)

	o, err = NewOpenAI(config.OpenAIConfig{
		APIKey:          "sk-test",
		Model:           "gpt-4o-mini",
		ModerationModel: "text-moderation-stable",
	}, &character.Character{Name: "Ada"})
	assert.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", o.model)
	assert.Equal(t, "text-moderation-stable", o.moderationModel)
}

func TestPersonaPrompt(t *testing.T) {
	o, err := NewOpenAI(config.OpenAIConfig{APIKey: "sk-test"}, &character.Character{
		Name:         "Ada",
		Intro:        "a curious generative artist",
		Lore:         "Ada explores machine creativity.",
		Instructions: "Never use hashtags.",
		Traits:       []string{"curious", "playful"},
	})
	assert.NoError(t, err)

	prompt := o.personaPrompt()
	assert.Contains(t, prompt, "You are Ada: a curious generative artist.")
	assert.Contains(t, prompt, "Ada explores machine creativity.")
	assert.Contains(t, prompt, "Never use hashtags.")
	assert.Contains(t, prompt, "curious, playful")
	assert.Contains(t, prompt, "not an assistant")
}

func TestTimeOfDay(t *testing.T) {
	cases := map[int]string{
		6:  "morning",
		11: "morning",
		12: "afternoon",
		16: "afternoon",
		17: "evening",
		20: "evening",
		21: "night",
		3:  "night",
	}
	for hour, want := range cases {
		now := time.Date(2026, 3, 1, hour, 0, 0, 0, time.UTC)
		assert.Equal(t, want, timeOfDay(now), "hour %d", hour)
	}
}
