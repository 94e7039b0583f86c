package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleFiltering(t *testing.T) {
	var buf bytes.Buffer
	prev := Root()
	SetDefault(NewLogger(NewTerminalHandlerWithLevel(&buf, LevelTrace)))
	defer SetDefault(prev)

	DisableModule(CompilerModule)
	Debug(CompilerModule, "hidden")
	assert.Empty(t, buf.String())

	EnableModules("ppu_cmp, ppu_rec")
	defer DisableModule(CompilerModule)
	defer DisableModule(EngineModule)

	Debug(CompilerModule, "visible", "addr", "0x10000")
	assert.Contains(t, buf.String(), "visible")
	assert.Contains(t, buf.String(), "mod=ppu_cmp")
	assert.Contains(t, buf.String(), "addr=0x10000")
	assert.True(t, IsModuleEnabled(EngineModule))
}

func TestInfoIgnoresModuleSwitch(t *testing.T) {
	var buf bytes.Buffer
	prev := Root()
	SetDefault(NewLogger(NewTerminalHandlerWithLevel(&buf, LevelInfo)))
	defer SetDefault(prev)

	Info(DispatcherModule, "always")
	Debug(DispatcherModule, "below level")
	assert.Contains(t, buf.String(), "always")
	assert.NotContains(t, buf.String(), "below level")
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("warning")
	require.NoError(t, err)
	assert.Equal(t, LevelWarn, lvl)

	_, err = ParseLevel("loud")
	require.Error(t, err)
}

func TestInitLogger(t *testing.T) {
	prev := Root()
	defer SetDefault(prev)

	var buf bytes.Buffer
	require.Error(t, InitLogger(&buf, "loud"))
	require.NoError(t, InitLogger(&buf, "warn"))
	Info(GeneralModule, "quiet")
	Warn(GeneralModule, "compile failed", "err", "bad op")
	out := buf.String()
	assert.NotContains(t, out, "quiet")
	assert.Contains(t, out, "WARN  [")
	assert.Contains(t, out, `mod=ppurec err="bad op"`)
}
