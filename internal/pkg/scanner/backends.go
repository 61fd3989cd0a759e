package scanner

import (
	"context"
	"fmt"
	"k8s.io/klog/v2"
	"kube-vuln-scanner/internal/pkg/security"
	"kube-vuln-scanner/internal/pkg/security/clair"
	"kube-vuln-scanner/internal/pkg/security/ecr"
)

// NewBackends builds a backend for every enabled entry of cfg, keeping their order. An entry that cannot be built
// (unknown ID, invalid server) is logged and replaced by a backend that never finds anything, so that it still
// shows up in the results.
func NewBackends(cfg security.BackendConfig) []security.Backend {
	var backends []security.Backend
	for _, entry := range cfg.Enabled() {
		b, err := newBackend(entry)
		if err != nil {
			klog.Errorf("Security backend %s is unavailable: %s", entry.ID, err.Error())
			b = &unavailableBackend{id: entry.ID}
		}
		backends = append(backends, b)
	}
	return backends
}

func newBackend(entry security.BackendEntry) (security.Backend, error) {
	switch entry.ID {
	case clair.ID:
		var opts []clair.Option
		if entry.Timeout > 0 {
			opts = append(opts, clair.WithTimeout(entry.Timeout))
		}
		return clair.New(entry.Server, opts...), nil
	case ecr.ID:
		return ecr.New(entry.Server)
	default:
		return nil, fmt.Errorf("unknown security backend %q", entry.ID)
	}
}

// unavailableBackend stands in for an enabled backend that could not be built.
type unavailableBackend struct {
	id string
}

func (b *unavailableBackend) ID() string {
	return b.id
}

func (b *unavailableBackend) Vulnerabilities(_ context.Context, _ *security.Image) []security.Vulnerability {
	return []security.Vulnerability{}
}
