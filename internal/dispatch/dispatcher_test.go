package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInputCharacterCountFromPrompt(t *testing.T) {
	n := inputCharacterCount(map[string]any{"prompt": "hello world"})
	assert.Equal(t, len("hello world"), n)
}

func TestInputCharacterCountSumsStringMessages(t *testing.T) {
	payload := map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": "hi"},
			map[string]any{"role": "assistant", "content": "hello there"},
		},
	}
	n := inputCharacterCount(payload)
	assert.Equal(t, len("hi")+len("hello there"), n)
}

func TestInputCharacterCountSumsListContentTextPartsOnly(t *testing.T) {
	payload := map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": []any{
				map[string]any{"type": "text", "text": "describe this"},
				map[string]any{"type": "image_url", "image_url": "http://example.com/x.png"},
			}},
		},
	}
	n := inputCharacterCount(payload)
	assert.Equal(t, len("describe this"), n)
}

func TestInputCharacterCountEmptyPayload(t *testing.T) {
	assert.Equal(t, 0, inputCharacterCount(map[string]any{}))
}

func TestImageDimsDefaults(t *testing.T) {
	steps, width, height := imageDims(map[string]any{})
	assert.Equal(t, 20.0, steps)
	assert.Equal(t, 512.0, width)
	assert.Equal(t, 512.0, height)
}

func TestImageDimsFromPayload(t *testing.T) {
	steps, width, height := imageDims(map[string]any{"steps": 30.0, "width": 768.0, "height": 1024.0})
	assert.Equal(t, 30.0, steps)
	assert.Equal(t, 768.0, width)
	assert.Equal(t, 1024.0, height)
}

func TestDefaultAddressResolver(t *testing.T) {
	assert.Equal(t, "http://10.0.0.1:8080", DefaultAddressResolver("10.0.0.1", 8080))
}

func TestCapacityMultiplierNoCeilingWhenMaxCapacityUnset(t *testing.T) {
	assert.Equal(t, 1.0, capacityMultiplier(0, 5, 0))
	assert.Equal(t, 2.0, capacityMultiplier(2, 5, 0))
}

func TestCapacityMultiplierScalesByRatio(t *testing.T) {
	assert.Equal(t, 0.5, capacityMultiplier(1, 5, 10))
	assert.Equal(t, 1.0, capacityMultiplier(1, 20, 10), "ratio must be capped at 1")
	assert.Equal(t, 0.0, capacityMultiplier(1, -5, 10), "ratio must not go negative")
}

func TestCapacityMultiplierAppliesGlobalMultiplierOnTopOfRatio(t *testing.T) {
	assert.Equal(t, 0.25, capacityMultiplier(0.5, 5, 10))
}
