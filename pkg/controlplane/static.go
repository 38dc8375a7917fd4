package controlplane

import (
	"context"
	"fmt"
	"sync"

	"k8s.io/apimachinery/pkg/labels"
)

// Static is an in-memory control plane for local runs without a cluster.
type Static struct {
	mu       sync.RWMutex
	services map[string]Service // "namespace/name"
	pods     map[string][]Pod   // namespace
}

// NewStatic creates an empty static control plane.
func NewStatic() *Static {
	return &Static{
		services: make(map[string]Service),
		pods:     make(map[string][]Pod),
	}
}

// AddService registers a service.
func (s *Static) AddService(svc Service) {
	s.mu.Lock()
	s.services[svc.Namespace+"/"+svc.Name] = svc
	s.mu.Unlock()
}

// AddPod registers a pod in namespace. Pods are listed in insertion order.
func (s *Static) AddPod(namespace string, p Pod) {
	s.mu.Lock()
	s.pods[namespace] = append(s.pods[namespace], p)
	s.mu.Unlock()
}

// GetService implements ControlPlane.
func (s *Static) GetService(_ context.Context, name, namespace string) (Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[namespace+"/"+name]
	if !ok {
		return Service{}, fmt.Errorf("%s/%s: %w", namespace, name, ErrNotFound)
	}
	return svc, nil
}

// ListPods implements ControlPlane.
func (s *Static) ListPods(_ context.Context, selector map[string]string, namespace string) ([]Pod, error) {
	if len(selector) == 0 {
		return nil, ErrNoSelector
	}
	sel := labels.SelectorFromSet(selector)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Pod
	for _, p := range s.pods[namespace] {
		if sel.Matches(labels.Set(p.Labels)) {
			out = append(out, p)
		}
	}
	return out, nil
}
