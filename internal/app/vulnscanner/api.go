package vulnscanner

import (
	"context"
	"errors"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"
	"kube-vuln-scanner/cmd"
	"kube-vuln-scanner/internal/pkg/registry"
	"kube-vuln-scanner/internal/pkg/report"
	"kube-vuln-scanner/internal/pkg/scanner"
	"os"
	"os/signal"
	"sort"
	"syscall"
)

var ErrNoImages = errors.New("no images to scan: pass image references or --cluster-images")

func Run(cfg *cmd.Config) error {
	// Create the cancellation context and termination signal handler
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalChannel)
	go func() {
		select {
		case <-signalChannel:
			klog.Info("Termination signal received, cancelling scan...")
			cancel()
		case <-ctx.Done():
		}
	}()

	imageUris, err := gatherImages(cfg)
	if err != nil {
		return err
	}
	if len(imageUris) == 0 {
		return ErrNoImages
	}

	// Scan each container image in the list and build a vulnerability report
	results := scanner.ScanImages(ctx, imageUris, cfg.ScanConcurrency, SecurityFactory(cfg))
	imageReports := report.Build(results)

	var formatter report.ExportFormatter = &report.TextReport{}
	if cfg.SlackConfig.Enabled() {
		formatter = report.NewSlackReport(&cfg.SlackConfig)
	}
	formatted, err := formatter.Format(imageReports)
	if err != nil {
		return err
	}
	return formatter.Export(formatted)
}

// SecurityFactory returns a scanner.SecurityFactory that resolves image references against the configured default
// registry and queries the backends enabled in cfg. The backends are built once and shared by every image.
func SecurityFactory(cfg *cmd.Config) scanner.SecurityFactory {
	backends := scanner.NewBackends(cfg.SecurityConfig())
	return func(imageUri string) (*scanner.Security, error) {
		host, repository, tag, err := registry.ParseImage(imageUri, cfg.Registry)
		if err != nil {
			return nil, err
		}
		return scanner.NewSecurityWithBackends(backends, repository, tag, registry.New(host, cfg.InsecureRegistry)), nil
	}
}

// gatherImages returns the unique images given on the command line, plus those running in the cluster if requested.
func gatherImages(cfg *cmd.Config) ([]string, error) {
	seen := make(map[string]struct{})
	for _, image := range cfg.Images {
		seen[image] = struct{}{}
	}

	if cfg.ClusterImages {
		kubeClient, err := newKubeClient(cfg.KubeConfigPath)
		if err != nil {
			return nil, err
		}
		// Get a list of all container images running in the given namespaces
		clusterImages, err := scanner.GetContainerImages(kubeClient, cfg.Namespaces)
		if err != nil {
			return nil, err
		}
		for _, image := range clusterImages {
			seen[image] = struct{}{}
		}
	}

	images := make([]string, 0, len(seen))
	for image := range seen {
		images = append(images, image)
	}
	sort.Strings(images)
	return images, nil
}

// newKubeClient configures a kubernetes client using an in-cluster config, or an external kubeconfig file.
func newKubeClient(kubeConfigPath string) (kubernetes.Interface, error) {
	kubeConfig, err := rest.InClusterConfig()
	if err == rest.ErrNotInCluster {
		kubeConfig, err = clientcmd.BuildConfigFromFlags("", kubeConfigPath)
	}
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(kubeConfig)
}
