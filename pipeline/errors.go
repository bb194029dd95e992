package pipeline

import "errors"

var (
	// the community has no settings; the event is still classified and persisted
	ErrConfiguration = errors.New("community is not configured")
	// the notification could not be delivered; the record is still persisted
	ErrDelivery = errors.New("notification delivery failed")
	// the record could not be stored and the event is lost
	ErrPersistence = errors.New("moderation record could not be persisted")
	// the subject could not be hydrated; the record is marked for linking
	ErrTargetResolution = errors.New("target could not be resolved")

	ErrInvalidWarning = errors.New("invalid warning request")
	ErrSweepRunning   = errors.New("retention sweep already running")
	ErrLinkingOff     = errors.New("linking is not enabled")
)
