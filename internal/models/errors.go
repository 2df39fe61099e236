package models

import "errors"

// Validation errors. They are permanent: the queue never retries an item
// that failed with one of these, and the API surfaces them to the caller.
var (
	ErrGeofenceNotFound     = errors.New("geofence not found")
	ErrGeofenceInactive     = errors.New("geofence inactive")
	ErrTaskNotFound         = errors.New("task not found")
	ErrTaskInactive         = errors.New("task inactive")
	ErrUserNotFound         = errors.New("user not found")
	ErrImplausibleLocation  = errors.New("implausible location")
	ErrInvalidEvent         = errors.New("invalid event")
	ErrNotificationNotFound = errors.New("notification not found")
	ErrInvalidAction        = errors.New("invalid notification action")
	ErrInvalidNotification  = errors.New("invalid notification")
)

var validationErrors = []error{
	ErrGeofenceNotFound,
	ErrGeofenceInactive,
	ErrTaskNotFound,
	ErrTaskInactive,
	ErrUserNotFound,
	ErrImplausibleLocation,
	ErrInvalidEvent,
	ErrNotificationNotFound,
	ErrInvalidAction,
	ErrInvalidNotification,
}

// IsValidation reports whether err wraps one of the validation errors.
func IsValidation(err error) bool {
	for _, v := range validationErrors {
		if errors.Is(err, v) {
			return true
		}
	}
	return false
}

// ValidationCode returns a stable machine-readable code for a validation
// error, or "" when err is not one.
func ValidationCode(err error) string {
	switch {
	case errors.Is(err, ErrGeofenceNotFound):
		return "GEOFENCE_NOT_FOUND"
	case errors.Is(err, ErrGeofenceInactive):
		return "GEOFENCE_INACTIVE"
	case errors.Is(err, ErrTaskNotFound):
		return "TASK_NOT_FOUND"
	case errors.Is(err, ErrTaskInactive):
		return "TASK_INACTIVE"
	case errors.Is(err, ErrUserNotFound):
		return "USER_NOT_FOUND"
	case errors.Is(err, ErrImplausibleLocation):
		return "IMPLAUSIBLE_LOCATION"
	case errors.Is(err, ErrInvalidEvent):
		return "INVALID_EVENT"
	case errors.Is(err, ErrNotificationNotFound):
		return "NOTIFICATION_NOT_FOUND"
	case errors.Is(err, ErrInvalidAction):
		return "INVALID_ACTION"
	case errors.Is(err, ErrInvalidNotification):
		return "INVALID_NOTIFICATION"
	}
	return ""
}
