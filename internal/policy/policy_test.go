package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/geonotify/internal/models"
)

func TestDefault_Valid(t *testing.T) {
	p := Default()
	require.NoError(t, p.Validate())
	assert.Equal(t, 60*time.Minute, p.Cooldown(models.TierApproach5mi))
	assert.Less(t, p.Cooldown(models.TierArrival), p.Cooldown(models.TierApproach1mi))
	assert.Equal(t, 60*time.Minute, p.Cooldown(models.Tier("unknown")))
}

func TestParse_MergesSingleTier(t *testing.T) {
	p := Default()
	doc := []byte(`
dedup_window: 10m
tiers:
  arrival:
    cooldown: 45m
`)
	require.NoError(t, Parse(doc, &p))

	assert.Equal(t, 10*time.Minute, p.DedupWindow)
	assert.Equal(t, 45*time.Minute, p.Tiers[models.TierArrival].Cooldown)
	assert.Equal(t, 150.0, p.Tiers[models.TierArrival].RadiusMeters, "radius kept")
	assert.Equal(t, 8047.0, p.Tiers[models.TierApproach5mi].RadiusMeters, "other tiers kept")
	assert.Equal(t, 50.0, p.DedupDistanceMeters)
}

func TestParse_RejectsInvalid(t *testing.T) {
	p := Default()
	err := Parse([]byte("exit_hysteresis: 1.5\n"), &p)
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	p, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().BundleWindow, p.BundleWindow)

	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bundle_distance_meters: 300\n"), 0o600))
	p, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, 300.0, p.BundleDistanceMeters)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
