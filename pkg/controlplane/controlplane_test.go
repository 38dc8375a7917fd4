package controlplane

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func newFakeCluster() *Kubernetes {
	client := fake.NewSimpleClientset(
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: "orders", Namespace: "default"},
			Spec:       corev1.ServiceSpec{Selector: map[string]string{"app": "orders"}},
		},
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: "headless", Namespace: "default"},
		},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: "orders-1", Namespace: "default", Labels: map[string]string{"app": "orders"}},
			Status:     corev1.PodStatus{PodIP: "10.0.0.5"},
		},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: "billing-1", Namespace: "default", Labels: map[string]string{"app": "billing"}},
			Status:     corev1.PodStatus{PodIP: "10.0.0.9"},
		},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: "orders-prod", Namespace: "prod", Labels: map[string]string{"app": "orders"}},
			Status:     corev1.PodStatus{PodIP: "10.1.0.5"},
		},
	)
	return NewKubernetes(client)
}

func TestKubernetesGetService(t *testing.T) {
	k := newFakeCluster()
	ctx := context.Background()

	svc, err := k.GetService(ctx, "orders", "default")
	require.NoError(t, err)
	assert.Equal(t, "orders", svc.Name)
	assert.Equal(t, map[string]string{"app": "orders"}, svc.Selector)

	_, err = k.GetService(ctx, "missing", "default")
	assert.ErrorIs(t, err, ErrNotFound)

	svc, err = k.GetService(ctx, "headless", "default")
	require.NoError(t, err)
	assert.Empty(t, svc.Selector)
}

func TestKubernetesListPods(t *testing.T) {
	k := newFakeCluster()
	ctx := context.Background()

	pods, err := k.ListPods(ctx, map[string]string{"app": "orders"}, "default")
	require.NoError(t, err)
	require.Len(t, pods, 1)
	assert.Equal(t, "orders-1", pods[0].Name)
	assert.Equal(t, "10.0.0.5", pods[0].IP)

	pods, err = k.ListPods(ctx, map[string]string{"app": "orders"}, "prod")
	require.NoError(t, err)
	require.Len(t, pods, 1)
	assert.Equal(t, "10.1.0.5", pods[0].IP)

	_, err = k.ListPods(ctx, nil, "default")
	assert.ErrorIs(t, err, ErrNoSelector)
}

func TestStatic(t *testing.T) {
	s := NewStatic()
	s.AddService(Service{Name: "orders", Namespace: "default", Selector: map[string]string{"app": "orders"}})
	s.AddPod("default", Pod{Name: "a", Labels: map[string]string{"app": "orders"}})
	s.AddPod("default", Pod{Name: "b", IP: "10.0.0.5", Labels: map[string]string{"app": "orders", "tier": "web"}})
	s.AddPod("default", Pod{Name: "c", IP: "10.0.0.6", Labels: map[string]string{"app": "other"}})
	ctx := context.Background()

	svc, err := s.GetService(ctx, "orders", "default")
	require.NoError(t, err)

	pods, err := s.ListPods(ctx, svc.Selector, "default")
	require.NoError(t, err)
	require.Len(t, pods, 2)
	assert.Equal(t, "a", pods[0].Name)
	assert.Equal(t, "b", pods[1].Name)

	_, err = s.GetService(ctx, "orders", "prod")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.ListPods(ctx, map[string]string{}, "default")
	assert.ErrorIs(t, err, ErrNoSelector)
}
