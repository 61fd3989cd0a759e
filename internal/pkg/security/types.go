package security

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Severity is the normalized severity of a vulnerability. Backends map their own scales onto the Clair scale.
type Severity string

const (
	SeverityUnknown    Severity = "Unknown"
	SeverityNegligible Severity = "Negligible"
	SeverityLow        Severity = "Low"
	SeverityMedium     Severity = "Medium"
	SeverityHigh       Severity = "High"
	SeverityCritical   Severity = "Critical"
	SeverityDefcon1    Severity = "Defcon1"
)

// Severities lists every known severity, lowest first.
var Severities = []Severity{
	SeverityUnknown,
	SeverityNegligible,
	SeverityLow,
	SeverityMedium,
	SeverityHigh,
	SeverityCritical,
	SeverityDefcon1,
}

// Vulnerability is a single CVE reported by a backend for an image.
type Vulnerability struct {
	Name      string                 `json:"Name"`
	Namespace string                 `json:"NamespaceName"`
	Link      string                 `json:"Link"`
	Severity  Severity               `json:"Severity"`
	Metadata  map[string]interface{} `json:"Metadata,omitempty"`
	// FixedBy is empty when no fixed version is known.
	FixedBy string `json:"FixedBy,omitempty"`
}

// Image describes the image handed to a backend.
type Image struct {
	// Name is the repository name within the registry, e.g. "coreos/dex".
	Name string
	// Tag is a tag or a digest.
	Tag string
	// Registry is the registry base URL, e.g. "https://registry.test.cat:5000".
	Registry string
	// Layers holds the layer digests, base layer first.
	Layers []string
	// Headers are the HTTP headers a scanner needs to fetch blobs from the registry.
	Headers map[string]string
}

// Backend is a vulnerability-scanning service. Implementations never fail: any error is logged and the affected
// work simply contributes nothing to the returned slice.
type Backend interface {
	ID() string
	Vulnerabilities(ctx context.Context, img *Image) []Vulnerability
}

// BackendEntry is the configuration of a single backend.
type BackendEntry struct {
	ID     string
	Server string
	// Timeout bounds each request sent to the server. Zero means the backend default.
	Timeout time.Duration
}

// Enabled returns true if a server has been configured for this backend.
func (e BackendEntry) Enabled() bool {
	return strings.TrimSpace(e.Server) != ""
}

// BackendConfig holds the configured backends in declaration order.
type BackendConfig []BackendEntry

// Enabled returns the enabled entries, keeping their order.
func (c BackendConfig) Enabled() BackendConfig {
	var enabled BackendConfig
	for _, e := range c {
		if e.Enabled() {
			enabled = append(enabled, e)
		}
	}
	return enabled
}

// Result holds the vulnerabilities found by one backend.
type Result struct {
	Backend         string
	Vulnerabilities []Vulnerability
}

// Results maps backend IDs to their vulnerabilities, in backend declaration order.
type Results []Result

// Get returns the vulnerabilities reported by the given backend, and whether the backend is present.
func (r Results) Get(id string) ([]Vulnerability, bool) {
	for _, res := range r {
		if res.Backend == id {
			return res.Vulnerabilities, true
		}
	}
	return nil, false
}

// Backends returns the backend IDs in order.
func (r Results) Backends() []string {
	ids := make([]string, len(r))
	for i, res := range r {
		ids[i] = res.Backend
	}
	return ids
}

// MarshalJSON encodes the results as a JSON object keyed by backend ID, preserving the backend order.
func (r Results) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, res := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(res.Backend)
		if err != nil {
			return nil, err
		}
		vulns := res.Vulnerabilities
		if vulns == nil {
			vulns = []Vulnerability{}
		}
		value, err := json.Marshal(vulns)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
