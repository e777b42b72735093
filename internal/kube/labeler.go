package kube

import (
	"context"
	"fmt"
	"maps"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

// PodLabeler looks up the labels of a pod.
type PodLabeler interface {
	PodLabels(ctx context.Context, namespace, pod string) (map[string]string, error)
}

// KubeLabeler reads pod labels from the Kubernetes API server.
type KubeLabeler struct {
	client kubernetes.Interface
}

// NewKubeLabeler wraps an existing clientset.
func NewKubeLabeler(client kubernetes.Interface) *KubeLabeler {
	return &KubeLabeler{client: client}
}

// NewClientset builds a clientset from the in-cluster service account when
// running inside a pod, otherwise from kubeconfig. An empty kubeconfig falls
// back to the default loading rules and then to ~/.kube/config.
func NewClientset(kubeconfig string) (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		if kubeconfig == "" {
			kubeconfig = clientcmd.NewDefaultClientConfigLoadingRules().GetDefaultFilename()
		}
		if home := homedir.HomeDir(); home != "" && kubeconfig == "" {
			kubeconfig = home + "/.kube/config"
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("kube: load config: %w", err)
		}
	}

	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("kube: clientset: %w", err)
	}
	return client, nil
}

// PodLabels implements PodLabeler.
func (k *KubeLabeler) PodLabels(ctx context.Context, namespace, pod string) (map[string]string, error) {
	p, err := k.client.CoreV1().Pods(namespace).Get(ctx, pod, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("kube: get pod %s/%s: %w", namespace, pod, err)
	}
	return maps.Clone(p.Labels), nil
}
