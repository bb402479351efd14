package push

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/push-engine/internal/model"
	"github.com/jwalitptl/push-engine/internal/provider"
)

func makeDevices(platform model.Platform, n int) []*model.DeviceToken {
	devices := make([]*model.DeviceToken, n)
	for i := range devices {
		devices[i] = &model.DeviceToken{
			ID:       uuid.New(),
			UserID:   uuid.New(),
			Platform: platform,
			Token:    fmt.Sprintf("%s-token-%d", platform, i),
		}
	}
	return devices
}

func plannerFor(limits map[model.Platform]int) *Planner {
	clients := make(map[model.Platform]provider.Client, len(limits))
	for platform, limit := range limits {
		clients[platform] = &fakeClient{platform: platform, limit: limit}
	}
	return NewPlanner(clients)
}

func TestPlanChunksByBatchLimit(t *testing.T) {
	p := plannerFor(map[model.Platform]int{model.PlatformExpo: 100})

	plan := p.Plan(makeDevices(model.PlatformExpo, 250))
	require.Len(t, plan.Groups, 3)
	assert.Len(t, plan.Groups[0].Devices, 100)
	assert.Len(t, plan.Groups[1].Devices, 100)
	assert.Len(t, plan.Groups[2].Devices, 50)
	assert.Empty(t, plan.Unsupported)
}

func TestPlanSingleTokenPlatform(t *testing.T) {
	p := plannerFor(map[model.Platform]int{model.PlatformAPNS: 1})

	plan := p.Plan(makeDevices(model.PlatformAPNS, 4))
	require.Len(t, plan.Groups, 4)
	for _, group := range plan.Groups {
		assert.Len(t, group.Devices, 1)
		assert.Equal(t, model.PlatformAPNS, group.Platform)
	}
}

func TestPlanMixedPlatformsStableOrder(t *testing.T) {
	p := plannerFor(map[model.Platform]int{
		model.PlatformAPNS: 1,
		model.PlatformFCM:  100,
		model.PlatformExpo: 100,
	})

	var devices []*model.DeviceToken
	devices = append(devices, makeDevices(model.PlatformExpo, 2)...)
	devices = append(devices, makeDevices(model.PlatformAPNS, 2)...)
	devices = append(devices, makeDevices(model.PlatformFCM, 2)...)

	plan := p.Plan(devices)
	require.Len(t, plan.Groups, 4)
	assert.Equal(t, model.PlatformAPNS, plan.Groups[0].Platform)
	assert.Equal(t, model.PlatformAPNS, plan.Groups[1].Platform)
	assert.Equal(t, model.PlatformFCM, plan.Groups[2].Platform)
	assert.Equal(t, model.PlatformExpo, plan.Groups[3].Platform)
}

func TestPlanExcludesUnconfiguredPlatforms(t *testing.T) {
	p := plannerFor(map[model.Platform]int{model.PlatformAPNS: 1})

	devices := append(makeDevices(model.PlatformAPNS, 1), makeDevices(model.PlatformWeb, 2)...)
	plan := p.Plan(devices)

	require.Len(t, plan.Groups, 1)
	assert.Len(t, plan.Unsupported, 2)
	for _, device := range plan.Unsupported {
		assert.Equal(t, model.PlatformWeb, device.Platform)
	}
}

func TestPlanEmptyInput(t *testing.T) {
	p := plannerFor(map[model.Platform]int{model.PlatformAPNS: 1})
	plan := p.Plan(nil)
	assert.Empty(t, plan.Groups)
	assert.Empty(t, plan.Unsupported)
}
