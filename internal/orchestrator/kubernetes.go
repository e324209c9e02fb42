package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	kubeWorkerContainer = "worker"
	kubeDeleteWait      = 15 * time.Second
	kubeDeletePoll      = 250 * time.Millisecond
)

// KubeBackend runs one worker pod per stream on a Kubernetes cluster.
type KubeBackend struct {
	pods      typedPodInterface
	namespace string
}

// typedPodInterface is the slice of the CoreV1 pod client the backend uses.
// Narrowing it keeps the backend testable without a cluster.
type typedPodInterface interface {
	Get(ctx context.Context, name string, opts metav1.GetOptions) (*corev1.Pod, error)
	Create(ctx context.Context, pod *corev1.Pod, opts metav1.CreateOptions) (*corev1.Pod, error)
	Delete(ctx context.Context, name string, opts metav1.DeleteOptions) error
}

// NewKubeBackend builds a backend against the cluster the process runs in,
// falling back to the kubeconfig named by KUBECONFIG for out-of-cluster use.
func NewKubeBackend(namespace string) (*KubeBackend, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		cfg, err = clientcmd.BuildConfigFromFlags("", os.Getenv("KUBECONFIG"))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return &KubeBackend{pods: clientset.CoreV1().Pods(namespace), namespace: namespace}, nil
}

// EnsureWorker implements Backend.EnsureWorker. Pods cannot be restarted in
// place, so a pod that has run to completion or failed is deleted and
// recreated under the same name.
func (b *KubeBackend) EnsureWorker(ctx context.Context, name string, spec WorkerSpec) error {
	pod, err := b.pods.Get(ctx, name, metav1.GetOptions{})
	switch {
	case err == nil:
		if pod.Status.Phase == corev1.PodRunning || pod.Status.Phase == corev1.PodPending {
			return nil
		}
		if err := b.deleteAndWait(ctx, name); err != nil {
			return err
		}
	case apierrors.IsNotFound(err):
		// Fall through to create.
	default:
		return fmt.Errorf("get worker pod %s: %w", name, err)
	}

	if _, err := b.pods.Create(ctx, workerPod(name, spec), metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("create worker pod %s: %w", name, err)
	}
	return nil
}

// RemoveWorker implements Backend.RemoveWorker.
func (b *KubeBackend) RemoveWorker(ctx context.Context, name string) error {
	err := b.pods.Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete worker pod %s: %w", name, err)
	}
	return nil
}

// WorkerStatus implements Backend.WorkerStatus.
func (b *KubeBackend) WorkerStatus(ctx context.Context, name string) (WorkerStatus, error) {
	pod, err := b.pods.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return StatusMissing, nil
		}
		return StatusUnknown, fmt.Errorf("get worker pod %s: %w", name, err)
	}

	switch pod.Status.Phase {
	case corev1.PodRunning:
		return StatusRunning, nil
	case corev1.PodPending:
		return StatusStarting, nil
	case corev1.PodSucceeded:
		return StatusStopped, nil
	case corev1.PodFailed:
		return StatusError, nil
	default:
		return StatusUnknown, nil
	}
}

// WorkerLogs implements Backend.WorkerLogs.
//
// GetLogs is only available on the full typed client, so a backend built with
// a narrowed pod interface (tests) reports no logs.
func (b *KubeBackend) WorkerLogs(ctx context.Context, name string, tail int) ([]string, error) {
	logReader, ok := b.pods.(interface {
		GetLogs(name string, opts *corev1.PodLogOptions) *rest.Request
	})
	if !ok {
		return nil, nil
	}

	lines := int64(tail)
	raw, err := logReader.GetLogs(name, &corev1.PodLogOptions{
		Container: kubeWorkerContainer,
		TailLines: &lines,
	}).Do(ctx).Raw()
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read worker pod logs %s: %w", name, err)
	}
	return splitLogLines(string(raw)), nil
}

func (b *KubeBackend) deleteAndWait(ctx context.Context, name string) error {
	if err := b.pods.Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete worker pod %s: %w", name, err)
	}

	deadline := time.Now().Add(kubeDeleteWait)
	for time.Now().Before(deadline) {
		if _, err := b.pods.Get(ctx, name, metav1.GetOptions{}); apierrors.IsNotFound(err) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(kubeDeletePoll):
		}
	}
	return fmt.Errorf("worker pod %s not gone after %s", name, kubeDeleteWait)
}

func workerPod(name string, spec WorkerSpec) *corev1.Pod {
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		env = append(env, corev1.EnvVar{Name: k, Value: spec.Env[k]})
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: spec.Labels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyAlways,
			Containers: []corev1.Container{{
				Name:  kubeWorkerContainer,
				Image: spec.Image,
				Env:   env,
			}},
		},
	}
}
