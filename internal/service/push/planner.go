package push

import (
	"github.com/jwalitptl/push-engine/internal/model"
	"github.com/jwalitptl/push-engine/internal/provider"
)

// Group is one planned provider call: at most BatchLimit devices, all on the
// same platform.
type Group struct {
	Platform model.Platform
	Devices  []*model.DeviceToken
}

// Plan partitions one notification's target devices into provider call
// groups. Devices on platforms without a configured client are excluded up
// front and never attempted.
type Plan struct {
	Groups      []Group
	Unsupported []*model.DeviceToken
}

// Planner knows each configured provider's batch ceiling.
type Planner struct {
	limits map[model.Platform]int
}

func NewPlanner(clients map[model.Platform]provider.Client) *Planner {
	limits := make(map[model.Platform]int, len(clients))
	for platform, client := range clients {
		limit := client.BatchLimit()
		if limit < 1 {
			limit = 1
		}
		limits[platform] = limit
	}
	return &Planner{limits: limits}
}

func (p *Planner) Plan(devices []*model.DeviceToken) *Plan {
	byPlatform := make(map[model.Platform][]*model.DeviceToken)
	plan := &Plan{}

	for _, device := range devices {
		if _, ok := p.limits[device.Platform]; !ok {
			plan.Unsupported = append(plan.Unsupported, device)
			continue
		}
		byPlatform[device.Platform] = append(byPlatform[device.Platform], device)
	}

	// Stable platform order keeps plans deterministic for tests and logs.
	for _, platform := range []model.Platform{model.PlatformAPNS, model.PlatformFCM, model.PlatformExpo, model.PlatformWeb} {
		tokens := byPlatform[platform]
		if len(tokens) == 0 {
			continue
		}
		limit := p.limits[platform]
		for start := 0; start < len(tokens); start += limit {
			end := start + limit
			if end > len(tokens) {
				end = len(tokens)
			}
			plan.Groups = append(plan.Groups, Group{Platform: platform, Devices: tokens[start:end]})
		}
	}
	return plan
}
