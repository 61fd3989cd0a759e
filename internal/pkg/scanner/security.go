package scanner

import (
	"context"
	"k8s.io/klog/v2"
	"kube-vuln-scanner/internal/pkg/security"
)

// LayerSource describes images stored in a registry.
type LayerSource interface {
	Image(ctx context.Context, repository, tag string) (*security.Image, error)
}

// Security queries every enabled backend for the vulnerabilities of a single image.
type Security struct {
	repository string
	tag        string
	source     LayerSource
	backends   []security.Backend
}

// NewSecurity returns a Security for repository:tag using the backends enabled in cfg.
func NewSecurity(cfg security.BackendConfig, repository, tag string, source LayerSource) *Security {
	return NewSecurityWithBackends(NewBackends(cfg), repository, tag, source)
}

// NewSecurityWithBackends returns a Security using the given backends, in order.
func NewSecurityWithBackends(backends []security.Backend, repository, tag string, source LayerSource) *Security {
	return &Security{
		repository: repository,
		tag:        tag,
		source:     source,
		backends:   backends,
	}
}

// Available returns true if at least one backend is enabled.
func (s *Security) Available() bool {
	return len(s.backends) > 0
}

// Backends returns the enabled backends, in order.
func (s *Security) Backends() []security.Backend {
	return s.backends
}

// Vulnerabilities returns the vulnerabilities found by each enabled backend, in backend order. A backend that
// failed is present with an empty list.
func (s *Security) Vulnerabilities(ctx context.Context) security.Results {
	results := security.Results{}
	if !s.Available() {
		return results
	}

	img, err := s.source.Image(ctx, s.repository, s.tag)
	if err != nil {
		klog.Errorf("Unable to fetch layers of %s:%s: %s", s.repository, s.tag, err.Error())
		img = &security.Image{Name: s.repository, Tag: s.tag}
	}

	for _, b := range s.backends {
		klog.Infof("Fetching vulnerabilities of %s:%s from %s", s.repository, s.tag, b.ID())
		vulns := b.Vulnerabilities(ctx, img)
		if vulns == nil {
			vulns = []security.Vulnerability{}
		}
		results = append(results, security.Result{Backend: b.ID(), Vulnerabilities: vulns})
	}
	return results
}
