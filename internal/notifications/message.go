package notifications

import (
	"fmt"

	"github.com/albapepper/geonotify/internal/geo"
	"github.com/albapepper/geonotify/internal/models"
)

// BundleTitle is the title of every bundled notification.
const BundleTitle = "Nearby reminders"

// Compose renders the title and body for a single-task notification.
// place may be empty when the geofence has no named place.
func Compose(task string, place string, tier models.Tier, distanceMeters float64) (title, body string) {
	if place == "" {
		place = "your destination"
	}
	title = task
	switch {
	case tier.IsApproach():
		distance := geo.DescribeDistance(distanceMeters)
		if distance == "very close" {
			body = fmt.Sprintf("%s is very close. Don't forget: %s", place, task)
		} else {
			body = fmt.Sprintf("%s is %s away. Don't forget: %s", place, distance, task)
		}
	case tier == models.TierPostArrival:
		body = fmt.Sprintf("Still at %s? Don't forget: %s", place, task)
	default:
		body = fmt.Sprintf("You're at %s. Don't forget: %s", place, task)
	}
	return title, body
}
