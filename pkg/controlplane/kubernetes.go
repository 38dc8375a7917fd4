package controlplane

import (
	"context"
	"fmt"
	"log/slog"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Kubernetes resolves services through the Kubernetes API.
type Kubernetes struct {
	client kubernetes.Interface
}

// NewKubernetes wraps an existing clientset.
func NewKubernetes(client kubernetes.Interface) *Kubernetes {
	return &Kubernetes{client: client}
}

// NewKubernetesFromConfig builds a clientset from kubeconfig, or from the
// in-cluster service account when kubeconfig is empty.
func NewKubernetesFromConfig(kubeconfig string) (*Kubernetes, error) {
	var cfg *rest.Config
	var err error
	if kubeconfig == "" {
		slog.Info("using in-cluster kubernetes configuration")
		cfg, err = rest.InClusterConfig()
	} else {
		slog.Info("using kubernetes configuration", "file", kubeconfig)
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("kubernetes config: %w", err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}
	return NewKubernetes(client), nil
}

// GetService fetches a service and its selector.
func (k *Kubernetes) GetService(ctx context.Context, name, namespace string) (Service, error) {
	svc, err := k.client.CoreV1().Services(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return Service{}, fmt.Errorf("%s/%s: %w", namespace, name, ErrNotFound)
		}
		return Service{}, fmt.Errorf("get service %s/%s: %w", namespace, name, err)
	}
	return Service{
		Name:      svc.Name,
		Namespace: svc.Namespace,
		Selector:  svc.Spec.Selector,
	}, nil
}

// ListPods lists pods in namespace matching selector, in API order.
func (k *Kubernetes) ListPods(ctx context.Context, selector map[string]string, namespace string) ([]Pod, error) {
	if len(selector) == 0 {
		return nil, ErrNoSelector
	}
	list, err := k.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(selector).String(),
	})
	if err != nil {
		return nil, fmt.Errorf("list pods in %s: %w", namespace, err)
	}
	pods := make([]Pod, 0, len(list.Items))
	for i := range list.Items {
		p := &list.Items[i]
		pods = append(pods, Pod{Name: p.Name, IP: p.Status.PodIP, Labels: p.Labels})
	}
	return pods, nil
}
