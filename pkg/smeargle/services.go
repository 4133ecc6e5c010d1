package smeargle

import (
	"fmt"
	"reflect"
)

// ServiceLogger is the service registry key of the shared *slog.Logger.
const ServiceLogger = "smeargle.logger"

// ServiceRegistry holds named singletons that modules resolve in OnRegister.
type ServiceRegistry interface {
	Register(name string, service any) error
	// Resolve fails with ErrServiceNotFound for unknown names.
	Resolve(name string) (any, error)
}

// ResolveAs resolves a service and asserts it to T. A value registered under
// the name with another type yields ErrServiceTypeMismatch.
func ResolveAs[T any](registry ServiceRegistry, name string) (T, error) {
	var zero T

	service, err := registry.Resolve(name)
	if err != nil {
		return zero, fmt.Errorf("resolve service %s: %w", name, err)
	}

	typed, ok := service.(T)
	if !ok {
		return zero, fmt.Errorf("resolve service %s: %w: have %T, want %v",
			name, ErrServiceTypeMismatch, service, reflect.TypeFor[T]())
	}

	return typed, nil
}
