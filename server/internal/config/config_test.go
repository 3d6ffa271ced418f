package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, DefaultFile)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

// envOf returns a LookupFunc backed by m.
func envOf(m map[string]string) LookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("/nonexistent/devproxy.yaml", envOf(map[string]string{
		EnvTargetPortal: "https://portal.example.test",
	}))
	require.NoError(t, err)

	assert.Equal(t, DefaultHTTPPort, cfg.HTTPPort)
	assert.Equal(t, DefaultHTTPPort+1, cfg.EffectiveWSPort())
	assert.Equal(t, "portal.example.test", cfg.Target().Host)
	assert.Equal(t, int64(DefaultMaxRewriteBytes), cfg.MaxRewriteBytes)
	assert.Equal(t, DefaultUpstreamTimeout, cfg.UpstreamTimeout)
	assert.Equal(t, []string{"grid4-netsapiens.css", "grid4-netsapiens.js", "dist"}, cfg.WatchPatterns())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	p := writeConfig(t, `target_portal: https://from-file.example.test
http_port: 4000
`)
	cfg, err := Load(p, envOf(map[string]string{
		EnvDevPort:      "5000",
		EnvTargetPortal: "https://from-env.example.test",
	}))
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.HTTPPort)
	assert.Equal(t, 5001, cfg.EffectiveWSPort())
	assert.Equal(t, "https://from-env.example.test", cfg.TargetPortal)
}

func TestLoad_FullFile(t *testing.T) {
	p := writeConfig(t, `target_portal: https://portal.example.test
http_port: 8080
ws_port: 9090
cdn_base: https://cdn.example.test/skin/
overrides:
  - file: custom.css
  - file: js/custom.js
    content_type: text/javascript
watch:
  - build/*.css
rewrite_rules:
  - from: https://cdn.example.test/fonts.css
    to: http://localhost:8080/fonts.css
max_rewrite_bytes: 1024
upstream_timeout: 5s
reconnect_delay: 500ms
log_format: text
log_level: debug
`)
	cfg, err := Load(p, envOf(nil))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.EffectiveWSPort())
	require.Len(t, cfg.Overrides, 2, "file overrides replace the defaults")
	assert.Equal(t, "/js/custom.js", cfg.Overrides[1].URLPath())
	assert.Equal(t, 5*time.Second, cfg.UpstreamTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.ReconnectDelay)

	rules := cfg.Rules()
	require.Len(t, rules, 3)
	assert.Equal(t, "https://cdn.example.test/skin/custom.css", rules[0].From)
	assert.Equal(t, "http://localhost:8080/custom.css", rules[0].To)
	assert.Equal(t, "https://cdn.example.test/skin/js/custom.js", rules[1].From)
	assert.Equal(t, "https://cdn.example.test/fonts.css", rules[2].From)

	assert.Equal(t, []string{"custom.css", "js/custom.js", "build/*.css"}, cfg.WatchPatterns())
}

func TestLoad_MissingTarget(t *testing.T) {
	_, err := Load("", envOf(nil))
	assert.ErrorIs(t, err, ErrMissingTarget)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]struct {
		file string
		env  map[string]string
	}{
		"bad port env":       {env: map[string]string{EnvDevPort: "abc"}},
		"port out of range":  {env: map[string]string{EnvDevPort: "70000"}},
		"relative target":    {env: map[string]string{EnvTargetPortal: "portal.example.test"}},
		"ws equals http":     {file: "ws_port: 3000\n"},
		"no overrides":       {file: "overrides: []\n"},
		"escaping override":  {file: "overrides:\n  - file: ../secret.css\n"},
		"duplicate override": {file: "overrides:\n  - file: a.css\n  - file: a.css\n"},
		"self-matching rule": {file: "rewrite_rules:\n  - from: http://localhost:3000/x\n    to: http://localhost:3000/x?v=1\n"},
		"bad log format":     {file: "log_format: xml\n"},
		"bad yaml":           {file: "http_port: [\n"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			env := map[string]string{EnvTargetPortal: "https://portal.example.test"}
			for k, v := range tc.env {
				env[k] = v
			}
			p := ""
			if tc.file != "" {
				p = writeConfig(t, tc.file)
			}
			_, err := Load(p, envOf(env))
			assert.Error(t, err)
		})
	}
}
