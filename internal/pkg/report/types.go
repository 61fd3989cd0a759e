package report

import "kube-vuln-scanner/internal/pkg/security"

type ExportFormatter interface {
	Export(reports []*string) error
	Format(reports []*ImageReport) ([]*string, error)
}

type ImageReport struct {
	ImageUri string
	Error    string
	Backends []*BackendReport
}

type BackendReport struct {
	Backend         string
	Summary         []SeverityCount
	Vulnerabilities []security.Vulnerability
}

type SeverityCount struct {
	Severity security.Severity
	Count    int
}

type Report struct {
	Date    string
	Reports []*ImageReport
}
