package clair

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
	"kube-vuln-scanner/internal/pkg/security"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

const dexDigest = "sha256:28c417e954d8f9d2439d5b9c7ea3dcb2fd31690bf2d79b94333d889ea26689d2"

// fakeClair emulates the layer endpoints of a Clair v1 server.
type fakeClair struct {
	t       *testing.T
	mu      sync.Mutex
	posted  []layer
	fetched []string
	queries []string
	onPost  func(w http.ResponseWriter, l layer)
	onGet   func(w http.ResponseWriter, digest string)
}

func newFakeClair(t *testing.T) (*fakeClair, *httptest.Server) {
	f := &fakeClair{t: t}
	f.onPost = func(w http.ResponseWriter, l layer) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(layerEnvelope{Layer: &layer{Name: l.Name}})
	}
	f.onGet = func(w http.ResponseWriter, digest string) {
		if digest == dexDigest {
			data, err := os.ReadFile("testdata/layer.json")
			if !assert.NoError(t, err) {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			_, _ = w.Write(data)
			return
		}
		_ = json.NewEncoder(w).Encode(layerEnvelope{Layer: &layer{Name: digest}})
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeClair) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/layers":
		var envelope layerEnvelope
		if !assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&envelope)) || !assert.NotNil(f.t, envelope.Layer) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.posted = append(f.posted, *envelope.Layer)
		f.onPost(w, *envelope.Layer)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/layers/"):
		digest := strings.TrimPrefix(r.URL.Path, "/v1/layers/")
		f.fetched = append(f.fetched, digest)
		f.queries = append(f.queries, r.URL.RawQuery)
		f.onGet(w, digest)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeClair) handlePost(fn func(w http.ResponseWriter, l layer)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onPost = fn
}

func (f *fakeClair) handleGet(fn func(w http.ResponseWriter, digest string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onGet = fn
}

func (f *fakeClair) requests() (posted []layer, fetched, queries []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]layer(nil), f.posted...), append([]string(nil), f.fetched...), append([]string(nil), f.queries...)
}

// captureLogs redirects klog into a buffer at debug verbosity for the duration of the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)
	require.NoError(t, fs.Set("v", "4"))
	require.NoError(t, fs.Set("logtostderr", "false"))
	require.NoError(t, fs.Set("alsologtostderr", "false"))
	buf := &bytes.Buffer{}
	klog.SetOutput(buf)
	t.Cleanup(func() {
		klog.Flush()
		_ = fs.Set("v", "0")
		_ = fs.Set("logtostderr", "true")
		klog.SetOutput(os.Stderr)
	})
	return buf
}

func dexImage(layers ...string) *security.Image {
	return &security.Image{
		Name:     "coreos/dex",
		Tag:      "unrelated",
		Registry: "https://registry.test.cat:5000",
		Layers:   layers,
		Headers:  map[string]string{"Authorization": "Bearer token"},
	}
}

func find(vulns []security.Vulnerability, name string) *security.Vulnerability {
	for i := range vulns {
		if vulns[i].Name == name {
			return &vulns[i]
		}
	}
	return nil
}

func TestVulnerabilities(t *testing.T) {
	fake, srv := newFakeClair(t)

	vulns := New(srv.URL).Vulnerabilities(context.Background(), dexImage(dexDigest))

	require.Len(t, vulns, 3)
	assert.Equal(t, []string{"CVE-2016-8859", "CVE-2016-6301", "CVE-2016-6664"},
		[]string{vulns[0].Name, vulns[1].Name, vulns[2].Name})

	musl := find(vulns, "CVE-2016-8859")
	require.NotNil(t, musl)
	assert.Equal(t, "alpine:v3.4", musl.Namespace)
	assert.Equal(t, "https://cve.mitre.org/cgi-bin/cvename.cgi?name=CVE-2016-8859", musl.Link)
	assert.Equal(t, security.SeverityHigh, musl.Severity)
	assert.Equal(t, "1.1.14-r13", musl.FixedBy)
	cvss := musl.Metadata["NVD"].(map[string]interface{})["CVSSv2"].(map[string]interface{})
	assert.Equal(t, 7.5, cvss["Score"])
	assert.Equal(t, "AV:N/AC:L/Au:N/C:P/I:P", cvss["Vectors"])

	busybox := find(vulns, "CVE-2016-6301")
	require.NotNil(t, busybox)
	assert.Equal(t, security.SeverityHigh, busybox.Severity)
	assert.Equal(t, "1.24.2-r12", busybox.FixedBy)

	unfixed := find(vulns, "CVE-2016-6664")
	require.NotNil(t, unfixed)
	assert.Empty(t, unfixed.FixedBy)
	assert.Nil(t, unfixed.Metadata)

	posted, fetched, queries := fake.requests()
	require.Len(t, posted, 1)
	assert.Equal(t, layer{
		Name:    dexDigest,
		Path:    "https://registry.test.cat:5000/v2/coreos/dex/blobs/" + dexDigest,
		Headers: map[string]string{"Authorization": "Bearer token"},
		Format:  "Docker",
	}, posted[0])
	assert.Equal(t, []string{dexDigest}, fetched)
	assert.Equal(t, []string{"features=false&vulnerabilities=true"}, queries)
}

func TestVulnerabilitiesIsDeterministic(t *testing.T) {
	_, srv := newFakeClair(t)
	c := New(srv.URL)

	first := c.Vulnerabilities(context.Background(), dexImage(dexDigest))
	second := c.Vulnerabilities(context.Background(), dexImage(dexDigest))
	assert.Equal(t, first, second)
}

func TestVulnerabilitiesPostFailure(t *testing.T) {
	logs := captureLogs(t)
	fake, srv := newFakeClair(t)
	fake.handlePost(func(w http.ResponseWriter, _ layer) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"Error":{"Message":"Something went wrong when posting"}}`))
	})

	vulns := New(srv.URL).Vulnerabilities(context.Background(), dexImage(dexDigest))
	klog.Flush()

	assert.NotNil(t, vulns)
	assert.Empty(t, vulns)
	_, fetched, _ := fake.requests()
	assert.Empty(t, fetched, "a layer that could not be posted must not be fetched")
	msg := "Could not post 'sha256:28c417e954d8f9d2439d5b9c7ea3dcb2fd31690bf2d79b94333d889ea26689d2': Something went wrong when posting"
	assert.Equal(t, 1, strings.Count(logs.String(), "] "+msg+"\n"), logs.String())
}

func TestVulnerabilitiesPostNotFound(t *testing.T) {
	logs := captureLogs(t)
	fake, srv := newFakeClair(t)
	fake.handlePost(func(w http.ResponseWriter, _ layer) {
		http.Error(w, "404 page not found", http.StatusNotFound)
	})

	vulns := New(srv.URL).Vulnerabilities(context.Background(), dexImage(dexDigest))
	klog.Flush()

	assert.Empty(t, vulns)
	assert.Contains(t, logs.String(), "] Could not post '"+dexDigest+"': 404 page not found\n")
}

func TestVulnerabilitiesFetchFailure(t *testing.T) {
	logs := captureLogs(t)
	fake, srv := newFakeClair(t)
	fake.handleGet(func(w http.ResponseWriter, _ string) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"Error":{"Message":"Something went wrong when fetching"}}`))
	})

	vulns := New(srv.URL).Vulnerabilities(context.Background(), dexImage(dexDigest))
	klog.Flush()

	assert.Empty(t, vulns)
	msg := "Error for 'sha256:28c417e954d8f9d2439d5b9c7ea3dcb2fd31690bf2d79b94333d889ea26689d2': Something went wrong when fetching"
	assert.Equal(t, 1, strings.Count(logs.String(), "] "+msg+"\n"), logs.String())
	assert.NotContains(t, logs.String(), "Could not post")
}

func TestVulnerabilitiesMalformedResponse(t *testing.T) {
	logs := captureLogs(t)
	fake, srv := newFakeClair(t)
	fake.handleGet(func(w http.ResponseWriter, _ string) {
		_, _ = w.Write([]byte(`{"Layer": [`))
	})

	vulns := New(srv.URL).Vulnerabilities(context.Background(), dexImage(dexDigest))
	klog.Flush()

	assert.Empty(t, vulns)
	assert.Equal(t, 1, strings.Count(logs.String(), "] Error for '"+dexDigest+"': "), logs.String())
}

func TestVulnerabilitiesUnreachable(t *testing.T) {
	logs := captureLogs(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	server := srv.URL
	srv.Close()

	vulns := New(server, WithTimeout(2*time.Second)).Vulnerabilities(context.Background(), dexImage(dexDigest))
	klog.Flush()

	assert.NotNil(t, vulns)
	assert.Empty(t, vulns)
	assert.Equal(t, 1, strings.Count(logs.String(), "] Could not post '"+dexDigest+"': "), logs.String())
	assert.NotContains(t, logs.String(), "Error for")
}

func TestVulnerabilitiesSkipsFailedLayers(t *testing.T) {
	logs := captureLogs(t)
	fake, srv := newFakeClair(t)
	const (
		base   = "sha256:1111111111111111111111111111111111111111111111111111111111111111"
		broken = "sha256:2222222222222222222222222222222222222222222222222222222222222222"
	)
	fake.handlePost(func(w http.ResponseWriter, l layer) {
		if l.Name == broken {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"Error":{"Message":"could not extract layer"}}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	fake.handleGet(func(w http.ResponseWriter, digest string) {
		_ = json.NewEncoder(w).Encode(layerEnvelope{Layer: &layer{
			Name: digest,
			Features: []feature{{
				Name:            "openssl",
				Vulnerabilities: []vulnerability{{Name: "CVE-" + digest[7:11], Severity: "Medium"}},
			}},
		}})
	})

	vulns := New(srv.URL).Vulnerabilities(context.Background(), dexImage(base, broken, dexDigest))
	klog.Flush()

	require.Len(t, vulns, 2)
	assert.Equal(t, "CVE-1111", vulns[0].Name)
	assert.Equal(t, "CVE-28c4", vulns[1].Name)
	assert.Equal(t, security.SeverityMedium, vulns[1].Severity)

	posted, fetched, _ := fake.requests()
	require.Len(t, posted, 3)
	assert.Equal(t, "", posted[0].ParentName)
	assert.Equal(t, base, posted[1].ParentName)
	assert.Equal(t, broken, posted[2].ParentName)
	assert.Equal(t, []string{base, dexDigest}, fetched)
	assert.Equal(t, 1, strings.Count(logs.String(), "] Could not post '"+broken+"': could not extract layer\n"), logs.String())
}

func TestVulnerabilitiesWithoutLayers(t *testing.T) {
	fake, srv := newFakeClair(t)

	vulns := New(srv.URL).Vulnerabilities(context.Background(), dexImage())

	posted, _, _ := fake.requests()
	assert.NotNil(t, vulns)
	assert.Empty(t, vulns)
	assert.Empty(t, posted)
}

func TestVulnerabilitiesCancelled(t *testing.T) {
	fake, srv := newFakeClair(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	vulns := New(srv.URL).Vulnerabilities(ctx, dexImage(dexDigest))

	posted, _, _ := fake.requests()
	assert.Empty(t, vulns)
	assert.Empty(t, posted)
}

func TestLayerErrorLogMessage(t *testing.T) {
	post := newLayerError(Unreachable, PhaseRegister, "sha256:abc", assert.AnError)
	assert.Equal(t, "Could not post 'sha256:abc': "+assert.AnError.Error(), post.LogMessage())
	assert.ErrorIs(t, post, assert.AnError)
	assert.Equal(t, "Unreachable", post.Kind.String())

	get := newLayerError(MalformedResponse, PhaseFetch, "sha256:abc", assert.AnError)
	assert.Equal(t, "Error for 'sha256:abc': "+assert.AnError.Error(), get.LogMessage())
	assert.Equal(t, assert.AnError.Error(), get.Error())
}

func TestNewTrimsServer(t *testing.T) {
	c := New("  http://my.clair:6060/ ")
	assert.Equal(t, "http://my.clair:6060", c.server)
	assert.Equal(t, ID, c.ID())
	assert.Equal(t, defaultTimeout, c.http.Timeout)
}

func TestNewLeavesHTTPClientUntouched(t *testing.T) {
	shared := &http.Client{Transport: http.DefaultTransport}

	for _, opts := range [][]Option{
		{WithHTTPClient(shared), WithTimeout(time.Second)},
		{WithTimeout(time.Second), WithHTTPClient(shared)},
	} {
		c := New("http://my.clair:6060", opts...)
		assert.Equal(t, time.Second, c.http.Timeout)
		assert.Equal(t, http.DefaultTransport, c.http.Transport)
		assert.NotSame(t, shared, c.http)
	}
	assert.Zero(t, shared.Timeout)

	c := New("http://my.clair:6060", WithHTTPClient(shared))
	assert.Equal(t, defaultTimeout, c.http.Timeout)
	assert.Zero(t, shared.Timeout)
}

func TestVulnerabilitiesWithHTTPClient(t *testing.T) {
	_, srv := newFakeClair(t)

	vulns := New(srv.URL, WithHTTPClient(srv.Client())).Vulnerabilities(context.Background(), dexImage(dexDigest))
	assert.Len(t, vulns, 3)
}
