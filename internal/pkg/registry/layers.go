package registry

import (
	"context"
	"encoding/base64"
	"fmt"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/google/go-containerregistry/pkg/name"
	"k8s.io/klog/v2"
	"kube-vuln-scanner/internal/pkg/security"
	"strings"
)

// DefaultRegistry is used for image references that do not name a registry.
const DefaultRegistry = name.DefaultRegistry

// Client enumerates the layers of images stored in a single registry.
type Client struct {
	registry string
	insecure bool
	keychain authn.Keychain
}

// New returns a Client for the given registry host, e.g. "registry.test.cat:5000". Insecure registries are accessed
// over plain HTTP.
func New(registry string, insecure bool) *Client {
	return &Client{
		registry: registry,
		insecure: insecure,
		keychain: authn.DefaultKeychain,
	}
}

// Image pulls the manifest of repository:tag and returns the image description handed to scanning backends. The tag
// may also be a digest.
func (c *Client) Image(ctx context.Context, repository, tag string) (*security.Image, error) {
	ref, err := c.reference(repository, tag)
	if err != nil {
		return nil, err
	}
	klog.Infof("Fetching layers of %s", ref.Name())

	opts := []crane.Option{crane.WithAuthFromKeychain(c.keychain), crane.WithContext(ctx)}
	if c.insecure {
		opts = append(opts, crane.Insecure)
	}
	img, err := crane.Pull(ref.Name(), opts...)
	if err != nil {
		klog.Errorf("Unable to pull image from %s: %s", ref.Name(), err.Error())
		return nil, err
	}
	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("listing layers of %s: %w", ref.Name(), err)
	}

	digests := make([]string, 0, len(layers))
	for _, l := range layers {
		d, err := l.Digest()
		if err != nil {
			return nil, fmt.Errorf("reading layer digest of %s: %w", ref.Name(), err)
		}
		digests = append(digests, d.String())
	}

	reg := ref.Context().Registry
	return &security.Image{
		Name:     ref.Context().RepositoryStr(),
		Tag:      tag,
		Registry: fmt.Sprintf("%s://%s", reg.Scheme(), reg.RegistryStr()),
		Layers:   digests,
		Headers:  c.headers(reg),
	}, nil
}

func (c *Client) reference(repository, tag string) (name.Reference, error) {
	sep := ":"
	if strings.HasPrefix(tag, "sha256:") {
		sep = "@"
	}
	var opts []name.Option
	if c.insecure {
		opts = append(opts, name.Insecure)
	}
	return name.ParseReference(fmt.Sprintf("%s/%s%s%s", c.registry, repository, sep, tag), opts...)
}

// headers returns the Authorization header a scanner needs to download blobs from the registry. Anonymous access
// yields no header.
func (c *Client) headers(reg name.Registry) map[string]string {
	auth, err := c.keychain.Resolve(reg)
	if err != nil {
		klog.Warningf("Unable to resolve credentials for %s: %s", reg.RegistryStr(), err.Error())
		return nil
	}
	cfg, err := auth.Authorization()
	if err != nil {
		klog.Warningf("Unable to read credentials for %s: %s", reg.RegistryStr(), err.Error())
		return nil
	}
	switch {
	case cfg.RegistryToken != "":
		return map[string]string{"Authorization": "Bearer " + cfg.RegistryToken}
	case cfg.Auth != "":
		return map[string]string{"Authorization": "Basic " + cfg.Auth}
	case cfg.Username != "" || cfg.Password != "":
		basic := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		return map[string]string{"Authorization": "Basic " + basic}
	default:
		return nil
	}
}

// ParseImage splits an image reference such as "registry.test.cat:5000/coreos/dex:v2" into its registry host,
// repository and tag (or digest). References without a registry use defaultRegistry; without a tag, "latest".
func ParseImage(image, defaultRegistry string) (registry, repository, tag string, err error) {
	if defaultRegistry == "" {
		defaultRegistry = DefaultRegistry
	}
	ref, err := name.ParseReference(image, name.WithDefaultRegistry(defaultRegistry))
	if err != nil {
		return "", "", "", err
	}
	return ref.Context().RegistryStr(), ref.Context().RepositoryStr(), ref.Identifier(), nil
}
