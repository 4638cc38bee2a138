package config

import "github.com/basket/go-agency/internal/agent"

// StarterAgents returns the default agents for first-run setup.
// Generated into config.yaml only when no config exists yet.
func StarterAgents() []agent.Registration {
	return []agent.Registration{
		{
			ID:           "strategic_storyteller_agent",
			Name:         "Strategic Storyteller",
			Persona:      "strategic_storyteller",
			Platforms:    []string{"linkedin", "youtube"},
			ContentTypes: []string{"article", "text_post", "video_post"},
			Cadence:      "daily",
		},
		{
			ID:           "creative_catalyst_agent",
			Name:         "Creative Catalyst",
			Persona:      "creative_catalyst",
			Platforms:    []string{"instagram", "tiktok"},
			ContentTypes: []string{"image_post", "video_post", "reel", "story"},
			Cadence:      "multiple_daily",
		},
	}
}
