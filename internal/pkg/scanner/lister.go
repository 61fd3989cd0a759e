package scanner

import (
	"context"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"sort"
	"time"
)

// GetContainerImages returns the sorted list of container images in Pods currently running on the Kubernetes cluster.
func GetContainerImages(kubeClient kubernetes.Interface, namespaces []string) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	// Get a list of all unique images running in the selected namespaces
	imageUris := make(map[string]struct{})
	for _, namespace := range namespaces {
		podList, err := kubeClient.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
		if err != nil {
			return nil, err
		}
		for _, pod := range podList.Items {
			for _, container := range pod.Spec.Containers {
				imageUris[container.Image] = struct{}{}
			}
			for _, container := range pod.Spec.InitContainers {
				imageUris[container.Image] = struct{}{}
			}
		}
	}

	keys := make([]string, 0, len(imageUris))
	for k := range imageUris {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
