// Package controlplane looks up services and their pods in the cluster
// control plane.
package controlplane

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when the named service does not exist.
	ErrNotFound = errors.New("service not found")
	// ErrNoSelector is returned for services without a pod selector.
	ErrNoSelector = errors.New("service has no selector")
)

// Service is the part of a cluster service the resolver needs.
type Service struct {
	Name      string
	Namespace string
	Selector  map[string]string
}

// Pod is a pod matched by a service selector. IP is empty until the pod
// has been scheduled and assigned an address.
type Pod struct {
	Name   string
	IP     string
	Labels map[string]string
}

// ControlPlane is the cluster API consumed by the resolver.
type ControlPlane interface {
	GetService(ctx context.Context, name, namespace string) (Service, error)
	ListPods(ctx context.Context, selector map[string]string, namespace string) ([]Pod, error)
}
