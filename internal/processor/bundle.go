package processor

import (
	"fmt"
	"sort"

	"github.com/albapepper/geonotify/internal/geo"
	"github.com/albapepper/geonotify/internal/models"
)

// Bundle is a cluster of nearby events delivered as one notification.
type Bundle struct {
	Events  []models.GeofenceEvent `json:"events"`
	TaskIDs []string               `json:"task_ids"`
	Message string                 `json:"message"`
}

// EventIDs returns the ids of the bundled events in cluster order.
func (b Bundle) EventIDs() []string {
	ids := make([]string, len(b.Events))
	for i, e := range b.Events {
		ids[i] = e.ID
	}
	return ids
}

// CreateNotificationBundles clusters events with the processor's bundle
// radius. See Cluster.
func (p *Processor) CreateNotificationBundles(events []models.GeofenceEvent) []Bundle {
	return Cluster(events, p.policy.BundleDistanceMeters)
}

// Cluster groups events by single linkage: an event joins a cluster when it
// is within radius meters of any member already in it. Clusters are returned
// in order of their earliest event, and members keep their creation order.
func Cluster(events []models.GeofenceEvent, radius float64) []Bundle {
	sorted := make([]models.GeofenceEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	assigned := make([]bool, len(sorted))
	var bundles []Bundle
	for i := range sorted {
		if assigned[i] {
			continue
		}
		assigned[i] = true
		members := []int{i}
		// Breadth-first expansion over the unassigned events.
		for q := 0; q < len(members); q++ {
			cur := sorted[members[q]]
			for j := range sorted {
				if assigned[j] {
					continue
				}
				if geo.Within(cur.Location, sorted[j].Location, radius) {
					assigned[j] = true
					members = append(members, j)
				}
			}
		}
		sort.Ints(members)

		b := Bundle{Events: make([]models.GeofenceEvent, 0, len(members))}
		seen := make(map[string]bool)
		for _, m := range members {
			e := sorted[m]
			b.Events = append(b.Events, e)
			if !seen[e.TaskID] {
				seen[e.TaskID] = true
				b.TaskIDs = append(b.TaskIDs, e.TaskID)
			}
		}
		b.Message = BundleMessage(len(b.Events), len(b.TaskIDs))
		bundles = append(bundles, b)
	}
	return bundles
}

// BundleMessage renders the summary line for a bundle of n events across
// tasks distinct tasks.
func BundleMessage(n, tasks int) string {
	noun := "reminders"
	if n == 1 {
		noun = "reminder"
	}
	if tasks <= 1 {
		return fmt.Sprintf("You have %d %s for this area", n, noun)
	}
	return fmt.Sprintf("You have %d %s for %d tasks in this area", n, noun, tasks)
}
