package report

import (
	"bytes"
	"k8s.io/klog/v2"
	"kube-vuln-scanner/internal/pkg/scanner"
	"kube-vuln-scanner/internal/pkg/security"
	"sort"
	"text/template"
)

const imageTemplate = `{{ define "image" -}}
{{ .ImageUri | printf "Image: %s" }}
{{- if .Error }}
{{ printf "Scan failed: %s" .Error }}
{{- end }}
{{- range .Backends }}
{{ printf "Backend: %s" .Backend }}
{{- if not .Vulnerabilities }}
{{ printf "No known vulnerabilities." }}
{{- else }}
{{ printf "Summary:" }}
{{- range .Summary }}
{{ printf "%15s%5d" (printf "%s: " .Severity) .Count }}
{{- end }}
{{ printf "Details:" }}
{{- range .Vulnerabilities }}
{{ printf "%s: %s (%s)" .Severity .Name .Link }}
{{- if .Namespace }}{{ printf "\nNamespace: %s" .Namespace }}{{ end }}
{{- if .FixedBy }}{{ printf "\nFixed by: %s" .FixedBy }}{{ end }}
{{- end }}
{{- end }}
{{- end }}
{{ end }}`

// Build creates a report for each image scan in the given scans channel, sorted by image.
func Build(scans <-chan *scanner.ImageScanResult) []*ImageReport {
	klog.Info("Building vulnerability report")
	var reports []*ImageReport
	for scan := range scans {
		reports = append(reports, BuildImageReport(scan))
	}

	klog.Infof("Sorting %d Reports", len(reports))
	sort.Slice(reports, func(i, j int) bool {
		return reports[i].ImageUri < reports[j].ImageUri
	})
	return reports
}

// BuildImageReport summarizes the vulnerabilities found by each backend for a single image. Vulnerabilities keep
// the order in which the backend reported them.
func BuildImageReport(scan *scanner.ImageScanResult) *ImageReport {
	report := &ImageReport{ImageUri: scan.Image}
	if scan.Err != nil {
		report.Error = scan.Err.Error()
	}
	for _, res := range scan.Results {
		report.Backends = append(report.Backends, &BackendReport{
			Backend:         res.Backend,
			Summary:         summarize(res.Vulnerabilities),
			Vulnerabilities: res.Vulnerabilities,
		})
	}
	return report
}

// summarize counts vulnerabilities per severity. Known severities come first in their usual order, unknown ones
// follow alphabetically; severities without vulnerabilities are left out.
func summarize(vulns []security.Vulnerability) []SeverityCount {
	counts := make(map[security.Severity]int)
	for _, v := range vulns {
		counts[v.Severity]++
	}

	var summary []SeverityCount
	for _, s := range security.Severities {
		if n, ok := counts[s]; ok {
			summary = append(summary, SeverityCount{Severity: s, Count: n})
			delete(counts, s)
		}
	}
	var others []SeverityCount
	for s, n := range counts {
		others = append(others, SeverityCount{Severity: s, Count: n})
	}
	sort.Slice(others, func(i, j int) bool {
		return others[i].Severity < others[j].Severity
	})
	return append(summary, others...)
}

// newTemplate parses the given template along with the shared image template.
func newTemplate(name, text string) (*template.Template, error) {
	tmpl, err := template.New(name).Parse(imageTemplate)
	if err != nil {
		return nil, err
	}
	return tmpl.Parse(text)
}

func execute(tmpl *template.Template, data interface{}) (*string, error) {
	var buffer bytes.Buffer
	if err := tmpl.Execute(&buffer, data); err != nil {
		return nil, err
	}
	s := buffer.String()
	return &s, nil
}
