package cmd

import (
	"kube-vuln-scanner/internal/pkg/security"
	"time"
)

type Config struct {
	Images           []string      `arg:"positional" help:"images to scan, e.g. coreos/dex:v2.30.0"`
	ClusterImages    bool          `arg:"--cluster-images,env:CLUSTER_IMAGES" help:"also scan the images of the pods running in the cluster"`
	KubeConfigPath   string        `arg:"--kube-config-path,env:KUBE_CONFIG_PATH"`
	Namespaces       []string      `arg:"env"`
	Registry         string        `arg:"--registry,env:REGISTRY" help:"registry of images that do not name one"`
	InsecureRegistry bool          `arg:"--insecure-registry,env:INSECURE_REGISTRY" help:"access registries over plain HTTP"`
	ClairServer      string        `arg:"--clair-server,env:CLAIR_SERVER" help:"Clair server, e.g. http://clair:6060; empty disables Clair"`
	ClairTimeout     time.Duration `arg:"--clair-timeout,env:CLAIR_TIMEOUT"`
	ECRServer        string        `arg:"--ecr-server,env:ECR_SERVER" help:"ECR registry whose image scanning is used; empty disables ECR"`
	ScanConcurrency  int           `arg:"-c,--scan-concurrency,env:SCAN_CONCURRENCY"`
	Timeout          time.Duration `arg:"env"`
	Verbosity        int           `arg:"-v,--verbosity,env:VERBOSITY" help:"log verbosity, 4 shows scanner debug messages"`
	SlackConfig
}

type SlackConfig struct {
	Token     string `arg:"--slack-token,env:SLACK_TOKEN"`
	ChannelID string `arg:"--slack-channel-id,env:SLACK_CHANNEL_ID"`
}

// Enabled returns true if reports should be sent to Slack.
func (c *SlackConfig) Enabled() bool {
	return c.Token != "" && c.ChannelID != ""
}

func DefaultConfiguration() *Config {
	return &Config{
		ClusterImages:   false,
		KubeConfigPath:  "",
		Namespaces:      []string{""}, // The empty string is used to list pods from all namespaces
		Registry:        "index.docker.io",
		ClairTimeout:    30 * time.Second,
		ScanConcurrency: 5,
		Timeout:         time.Hour,
	}
}

// SecurityConfig returns the security backends configuration. Backends without a server are disabled.
func (c *Config) SecurityConfig() security.BackendConfig {
	return security.BackendConfig{
		{ID: "clair", Server: c.ClairServer, Timeout: c.ClairTimeout},
		{ID: "ecr", Server: c.ECRServer},
	}
}
