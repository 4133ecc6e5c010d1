package smeargle

import "errors"

var (
	// ErrInvalidEvent indicates that an event does not satisfy protocol invariants.
	ErrInvalidEvent = errors.New("smeargle: invalid event")
	// ErrInvalidSubscription indicates that a subscription configuration is invalid.
	ErrInvalidSubscription = errors.New("smeargle: invalid subscription")
	// ErrSubscriptionClosed indicates that a subscription is no longer active.
	ErrSubscriptionClosed = errors.New("smeargle: subscription closed")
	// ErrEventDropped indicates a non-blocking backpressure drop.
	ErrEventDropped = errors.New("smeargle: event dropped due to backpressure")
	// ErrServiceAlreadyRegistered indicates duplicate service registration.
	ErrServiceAlreadyRegistered = errors.New("smeargle: service already registered")
	// ErrServiceNotFound indicates a service lookup miss.
	ErrServiceNotFound = errors.New("smeargle: service not found")
	// ErrServiceTypeMismatch indicates a registered service has an unexpected type.
	ErrServiceTypeMismatch = errors.New("smeargle: service type mismatch")
	// ErrModuleAlreadyRegistered indicates duplicate module registration.
	ErrModuleAlreadyRegistered = errors.New("smeargle: module already registered")
	// ErrDriverAlreadyRegistered indicates duplicate driver registration.
	ErrDriverAlreadyRegistered = errors.New("smeargle: driver already registered")
	// ErrInvalidOutboundRequest indicates an outbound request failed validation.
	ErrInvalidOutboundRequest = errors.New("smeargle: invalid outbound request")
	// ErrOutboundUnsupported indicates a sink cannot perform the requested operation.
	ErrOutboundUnsupported = errors.New("smeargle: outbound operation unsupported")
	// ErrConnectionLost indicates a driver lost its platform connection for good.
	ErrConnectionLost = errors.New("smeargle: platform connection lost")
)
