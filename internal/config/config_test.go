package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultEnablesAutospawn(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.Autospawn)
	assert.Equal(t, -1, cfg.PassedFD)
}

func TestLoadReadsServerString(t *testing.T) {
	t.Setenv("PULSE_SERVER", "unix:/run/pulse/native tcp:example:4713")
	cfg := Load()
	assert.Equal(t, "unix:/run/pulse/native tcp:example:4713", cfg.ServerString)
}

func TestLoadDisablesAutospawnOnTruthyValue(t *testing.T) {
	t.Setenv("PULSE_DISABLE_AUTOSPAWN", "1")
	cfg := Load()
	assert.False(t, cfg.Autospawn)
}

func TestLoadCollectsPropList(t *testing.T) {
	os.Clearenv()
	t.Setenv("PULSE_PROP_application.name", "testapp")
	t.Setenv("PULSE_PROP_application.icon_name", "audio-card")
	cfg := Load()
	assert.Equal(t, "testapp", cfg.PropList["application.name"])
	assert.Equal(t, "audio-card", cfg.PropList["application.icon_name"])
}

func TestLoadParsesPassedFD(t *testing.T) {
	t.Setenv("PULSE_PASSED_FD", "42")
	cfg := Load()
	assert.Equal(t, 42, cfg.PassedFD)
}
