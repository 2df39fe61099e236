package processor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/geonotify/internal/geo"
	"github.com/albapepper/geonotify/internal/models"
)

func eventAt(id, task string, north float64, minute int) models.GeofenceEvent {
	base := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	return models.GeofenceEvent{
		ID:        id,
		UserID:    "u1",
		TaskID:    task,
		Location:  geo.Offset(storeCenter, north, 0),
		CreatedAt: base.Add(time.Duration(minute) * time.Minute),
	}
}

func TestCluster_SingleLinkageChains(t *testing.T) {
	// a-b and b-c are within 500 m, a-c is not; all three still cluster.
	events := []models.GeofenceEvent{
		eventAt("c", "t1", 800, 2),
		eventAt("a", "t1", 0, 0),
		eventAt("b", "t1", 400, 1),
		eventAt("far", "t2", 5000, 3),
	}

	bundles := Cluster(events, 500)
	require.Len(t, bundles, 2)
	assert.Equal(t, []string{"a", "b", "c"}, bundles[0].EventIDs())
	assert.Equal(t, "You have 3 reminders for this area", bundles[0].Message)
	assert.Equal(t, []string{"far"}, bundles[1].EventIDs())
	assert.Equal(t, "You have 1 reminder for this area", bundles[1].Message)
}

func TestCluster_DistinctTasks(t *testing.T) {
	bundles := Cluster([]models.GeofenceEvent{
		eventAt("a", "t1", 0, 0),
		eventAt("b", "t2", 100, 1),
		eventAt("c", "t1", 200, 2),
	}, 500)
	require.Len(t, bundles, 1)
	assert.Equal(t, []string{"t1", "t2"}, bundles[0].TaskIDs)
	assert.Equal(t, "You have 3 reminders for 2 tasks in this area", bundles[0].Message)
}

func TestCluster_Empty(t *testing.T) {
	assert.Empty(t, Cluster(nil, 500))
}
