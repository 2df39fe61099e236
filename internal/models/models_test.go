package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidation(t *testing.T) {
	wrapped := fmt.Errorf("process event: %w", ErrTaskInactive)

	assert.True(t, IsValidation(wrapped))
	assert.True(t, IsValidation(ErrImplausibleLocation))
	assert.False(t, IsValidation(errors.New("connection reset")))
	assert.False(t, IsValidation(nil))
}

func TestValidationCode(t *testing.T) {
	assert.Equal(t, "GEOFENCE_INACTIVE", ValidationCode(fmt.Errorf("x: %w", ErrGeofenceInactive)))
	assert.Equal(t, "USER_NOT_FOUND", ValidationCode(ErrUserNotFound))
	assert.Equal(t, "", ValidationCode(errors.New("boom")))
}

func TestEventStatusTerminal(t *testing.T) {
	assert.False(t, EventPending.Terminal())
	for _, s := range []EventStatus{EventProcessed, EventDuplicate, EventCooldown, EventFiltered, EventFailed} {
		assert.True(t, s.Terminal(), string(s))
	}
}

func TestTierIsApproach(t *testing.T) {
	assert.True(t, TierApproach5mi.IsApproach())
	assert.True(t, TierApproach1mi.IsApproach())
	assert.False(t, TierArrival.IsApproach())
	assert.False(t, TierPostArrival.IsApproach())
}

func TestNotificationStatusOpen(t *testing.T) {
	assert.True(t, NotificationPending.Open())
	assert.True(t, NotificationSnoozed.Open())
	assert.False(t, NotificationDelivered.Open())
	assert.False(t, NotificationCancelled.Open())
	assert.False(t, NotificationFailed.Open())
}
