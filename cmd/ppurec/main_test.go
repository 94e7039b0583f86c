package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute(), out.String())
	return out.String()
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ppurec.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRunDemo(t *testing.T) {
	dir := t.TempDir()
	conf := writeConfig(t, "hit_threshold: 1\nidle_timeout: 10ms\nlog_dir: "+filepath.Join(dir, "logs")+"\n")
	reportPath := filepath.Join(dir, "report.html")

	out := execute(t, "run", "--config", conf, "--threads", "2", "--runs", "3", "--tree", "--report", reportPath)
	assert.Contains(t, out, "thread 0: r3=7000")
	assert.Contains(t, out, "thread 1: r3=7000")
	assert.Contains(t, out, "registry (")
	assert.Contains(t, out, "function_0x00010000")

	html, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	assert.Contains(t, string(html), "Recompiler time")

	journals, err := filepath.Glob(filepath.Join(dir, "logs", "ppurec_*.log"))
	require.NoError(t, err)
	require.Len(t, journals, 1)
	data, err := os.ReadFile(journals[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "Total time")
}

func TestRunRawImage(t *testing.T) {
	var image []byte
	for _, a := range demoProgram(0x2000, 10) {
		// the leaf sits 0x100 after main
		image = append(image, make([]byte, int(a.Origin-0x2000)-len(image))...)
		image = append(image, a.Bytes()...)
	}
	path := filepath.Join(t.TempDir(), "demo.bin")
	require.NoError(t, os.WriteFile(path, image, 0o644))

	out := execute(t, "run", "--image", path, "--base", "0x2000", "--mem", "0x10000", "--runs", "1")
	assert.Contains(t, out, "thread 0: r3=70 ")
}

func TestDisasm(t *testing.T) {
	out := execute(t, "disasm", "-n", "8")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 8)
	assert.True(t, strings.HasPrefix(lines[0], "0x00010000: 7FC802A6"))
	assert.Contains(t, lines[7], "blr")
}

func TestDisasmOutOfRange(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"disasm", "--mem", "0x20000", "0x1FFF8", "-n", "4"})
	assert.ErrorContains(t, cmd.Execute(), "leaves guest memory")
}

func TestAnalyze(t *testing.T) {
	out := execute(t, "analyze", "0x10000", "0x10100")
	assert.Contains(t, out, "0x00010000 compilable=true")
	assert.Contains(t, out, "  calls 0x00010100\n")
	assert.Contains(t, out, "  build function_0x00010100\n")
	assert.Contains(t, out, "0x00010100 compilable=true instructions=3")

	out = execute(t, "analyze", "--json", "0x10100")
	assert.Contains(t, out, `"compilable":true`)
	assert.Contains(t, out, `"compile_set":[65792]`)
}

func TestParseAddr(t *testing.T) {
	v, err := parseAddr("0x10000")
	require.NoError(t, err)
	assert.EqualValues(t, 0x10000, v)
	_, err = parseAddr("0x100000000")
	assert.Error(t, err)
}
