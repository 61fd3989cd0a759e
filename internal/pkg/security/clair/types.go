package clair

// Wire types of the Clair v1 API.

type layerEnvelope struct {
	Layer *layer         `json:"Layer,omitempty"`
	Error *errorResponse `json:"Error,omitempty"`
}

type layer struct {
	Name       string            `json:"Name,omitempty"`
	Path       string            `json:"Path,omitempty"`
	Headers    map[string]string `json:"Headers,omitempty"`
	ParentName string            `json:"ParentName,omitempty"`
	Format     string            `json:"Format,omitempty"`
	Features   []feature         `json:"Features,omitempty"`
}

type feature struct {
	Name            string          `json:"Name,omitempty"`
	NamespaceName   string          `json:"NamespaceName,omitempty"`
	VersionFormat   string          `json:"VersionFormat,omitempty"`
	Version         string          `json:"Version,omitempty"`
	Vulnerabilities []vulnerability `json:"Vulnerabilities,omitempty"`
	AddedBy         string          `json:"AddedBy,omitempty"`
}

type vulnerability struct {
	Name          string                 `json:"Name,omitempty"`
	NamespaceName string                 `json:"NamespaceName,omitempty"`
	Description   string                 `json:"Description,omitempty"`
	Link          string                 `json:"Link,omitempty"`
	Severity      string                 `json:"Severity,omitempty"`
	Metadata      map[string]interface{} `json:"Metadata,omitempty"`
	FixedBy       string                 `json:"FixedBy,omitempty"`
}

type errorResponse struct {
	Message string `json:"Message,omitempty"`
}
