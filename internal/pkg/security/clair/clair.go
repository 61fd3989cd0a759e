package clair

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/hashicorp/go-cleanhttp"
	"io"
	"k8s.io/klog/v2"
	"kube-vuln-scanner/internal/pkg/security"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// ID identifies Clair in the backend configuration and in scan results.
	ID = "clair"

	debugLevel klog.Level = 4
	traceLevel klog.Level = 5

	defaultTimeout = 30 * time.Second
	layersPath     = "/v1/layers"
	layerFormat    = "Docker"
)

// Client talks to a Clair v1 server. It holds no state besides its configuration, so it can be shared.
type Client struct {
	server  string
	timeout time.Duration
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient makes the Client send its requests through a copy of the given http.Client. The copy gets the
// Client timeout; hc itself is left untouched.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeout sets the timeout of every request sent to Clair.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// New returns a Client for the Clair server at the given URL, e.g. "http://my.clair:6060".
func New(server string, opts ...Option) *Client {
	c := &Client{
		server:  strings.TrimRight(strings.TrimSpace(server), "/"),
		timeout: defaultTimeout,
		http:    cleanhttp.DefaultPooledClient(),
	}
	for _, opt := range opts {
		opt(c)
	}
	hc := *c.http
	hc.Timeout = c.timeout
	c.http = &hc
	return c
}

// ID implements security.Backend.
func (c *Client) ID() string {
	return ID
}

// Vulnerabilities posts every layer of the image to Clair and collects the vulnerabilities found in them, in layer
// order. A layer failing at any phase is logged and skipped.
func (c *Client) Vulnerabilities(ctx context.Context, img *security.Image) []security.Vulnerability {
	vulns := []security.Vulnerability{}
	parent := ""
	for _, digest := range img.Layers {
		if ctx.Err() != nil {
			klog.V(debugLevel).Infof("Clair scan of %s cancelled: %s", img.Name, ctx.Err())
			break
		}
		found, err := c.layerVulnerabilities(ctx, img, digest, parent)
		parent = digest
		if err != nil {
			klog.V(debugLevel).Info(err.LogMessage())
			continue
		}
		vulns = append(vulns, found...)
	}
	return vulns
}

// layerVulnerabilities runs both phases of the protocol for a single layer.
func (c *Client) layerVulnerabilities(ctx context.Context, img *security.Image, digest, parent string) ([]security.Vulnerability, *LayerError) {
	if err := c.postLayer(ctx, img, digest, parent); err != nil {
		return nil, err
	}
	l, err := c.fetchLayer(ctx, digest)
	if err != nil {
		return nil, err
	}

	var vulns []security.Vulnerability
	for _, f := range l.Features {
		for _, v := range f.Vulnerabilities {
			vulns = append(vulns, security.Vulnerability{
				Name:      v.Name,
				Namespace: v.NamespaceName,
				Link:      v.Link,
				Severity:  security.Severity(v.Severity),
				Metadata:  v.Metadata,
				FixedBy:   v.FixedBy,
			})
		}
	}
	return vulns, nil
}

// postLayer registers the layer in Clair, which then pulls its blob from the registry.
func (c *Client) postLayer(ctx context.Context, img *security.Image, digest, parent string) *LayerError {
	body, err := json.Marshal(&layerEnvelope{
		Layer: &layer{
			Name:       digest,
			Path:       blobPath(img, digest),
			Headers:    img.Headers,
			ParentName: parent,
			Format:     layerFormat,
		},
	})
	if err != nil {
		return newLayerError(PostFailed, PhaseRegister, digest, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.server+layersPath, bytes.NewReader(body))
	if err != nil {
		return newLayerError(PostFailed, PhaseRegister, digest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return newLayerError(Unreachable, PhaseRegister, digest, err)
	}
	defer resp.Body.Close()

	klog.V(traceLevel).Infof("Handling code: %d", resp.StatusCode)
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return newLayerError(PostFailed, PhaseRegister, digest, responseError(resp))
}

// fetchLayer retrieves the analyzed layer along with its vulnerabilities.
func (c *Client) fetchLayer(ctx context.Context, digest string) (*layer, *LayerError) {
	u := fmt.Sprintf("%s%s/%s?features=false&vulnerabilities=true", c.server, layersPath, url.PathEscape(digest))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, newLayerError(FetchFailed, PhaseFetch, digest, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, newLayerError(Unreachable, PhaseFetch, digest, err)
	}
	defer resp.Body.Close()

	klog.V(traceLevel).Infof("Handling code: %d", resp.StatusCode)
	if resp.StatusCode != http.StatusOK {
		return nil, newLayerError(FetchFailed, PhaseFetch, digest, responseError(resp))
	}

	var envelope layerEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, newLayerError(MalformedResponse, PhaseFetch, digest, err)
	}
	if envelope.Layer == nil {
		return nil, newLayerError(MalformedResponse, PhaseFetch, digest, errors.New("response has no layer"))
	}
	return envelope.Layer, nil
}

// responseError extracts the error reported by Clair. The message of a JSON error body is used when there is one,
// otherwise the raw body.
func responseError(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return errors.New(resp.Status)
	}
	if resp.StatusCode == http.StatusNotFound {
		return errors.New(raw)
	}
	var envelope layerEnvelope
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error != nil && envelope.Error.Message != "" {
		return errors.New(envelope.Error.Message)
	}
	return errors.New(raw)
}

// blobPath returns the registry URL Clair will download the layer from.
func blobPath(img *security.Image, digest string) string {
	return fmt.Sprintf("%s/v2/%s/blobs/%s", strings.TrimRight(img.Registry, "/"), img.Name, digest)
}
