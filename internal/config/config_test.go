package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oncoflow/internal/domain"
)

func TestDefaultTemplateValidates(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, "/v0", cfg.Server.BasePath)
	assert.False(t, cfg.Checklist.ResetOnBackward)
	assert.Equal(t, 24*time.Hour, cfg.Notifications.StalenessThreshold())
	assert.Equal(t, time.Hour, cfg.Notifications.ScanInterval())
	assert.Equal(t, 10*time.Second, cfg.Redis.LockTTL())
	assert.EqualValues(t, 10000, cfg.Notifications.RedisListMax)

	def := cfg.Definition()
	assert.EqualValues(t, 1, def.Version)
	assert.Len(t, def.Catalog, 6)
	assert.Equal(t, []string{"qa_dosimetric"}, def.Requirements(domain.StatusPlanValidated))
	edge, ok := def.Edge(domain.StatusPlanInReview, domain.StatusContouringRework)
	require.True(t, ok)
	assert.True(t, edge.Backward)
}

func TestDefaultServerRequiresCredentials(t *testing.T) {
	cfg := Default()
	assert.False(t, cfg.Server.AllowActorHeaders)
	assert.Empty(t, cfg.Server.JWTSecret)

	cfg, err := FromYAML([]byte(strings.Replace(GenerateDefault(), "allow_actor_headers: false", "allow_actor_headers: true", 1)))
	require.NoError(t, err)
	assert.True(t, cfg.Server.AllowActorHeaders)
}

func TestDurationFallbacks(t *testing.T) {
	var n Notifications
	assert.Equal(t, 24*time.Hour, n.StalenessThreshold())
	assert.Equal(t, time.Hour, n.ScanInterval())
	n.StalenessThresholdHours = 2
	n.ScanIntervalMinutes = 5
	assert.Equal(t, 2*time.Hour, n.StalenessThreshold())
	assert.Equal(t, 5*time.Minute, n.ScanInterval())
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		replace [2]string
		want    string
	}{
		{"backend", [2]string{"backend: sqlite", "backend: postgres"}, "storage.backend"},
		{"backward edge not declared", [2]string{"plan_in_review: [contouring_rework]", "plan_in_review: [closed]"}, "not a declared transition"},
		{"base path", [2]string{"base_path: /v0", "base_path: v0"}, "base_path"},
		{"empty roles", [2]string{"closed: [oncologist]", "closed: []"}, "no authorized role"},
		{"uncatalogued item", [2]string{"in_treatment: [daily_machine_qa]", "in_treatment: [daily_coffee]"}, "not in catalog"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := GenerateDefault()
			require.Contains(t, src, tt.replace[0])
			_, err := FromYAML([]byte(strings.Replace(src, tt.replace[0], tt.replace[1], 1)))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadOptionalFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Workflow.Transitions)

	_, err = Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config init")

	custom := strings.Replace(GenerateDefault(), "reset_on_backward: false", "reset_on_backward: true", 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "oncoflow.yml"), []byte(custom), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.True(t, cfg.Checklist.ResetOnBackward)
}

func TestWebhookURLRequired(t *testing.T) {
	src := strings.Replace(GenerateDefault(), "  feed_size: 1000\n", "  feed_size: 1000\n  webhooks:\n    - secret: s\n", 1)
	_, err := FromYAML([]byte(src))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhooks[0].url")
}
