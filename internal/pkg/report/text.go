package report

import (
	"k8s.io/klog/v2"
	"time"
)

const reportTemplate = `{{ printf "Container image security updates as of %s" .Date }}
{{ printf "----------------------------------------" }}
{{- range .Reports }}
{{ template "image" . }}
{{- printf "----------------------------------------" }}
{{- end }}
`

// TextReport produces text-based vulnerability reports by implementing the ExportFormatter interface.
type TextReport struct{}

// Export simply logs the text-based reports to standard output at the INFO level.
func (tr *TextReport) Export(reports []*string) error {
	for _, s := range reports {
		klog.Infof("GENERATED REPORT:\n%s", *s)
	}
	return nil
}

// Format converts the raw reports to a text-based format, suitable for logging.
func (tr *TextReport) Format(reports []*ImageReport) ([]*string, error) {
	report := &Report{
		time.Now().Format(time.RFC1123Z),
		reports,
	}

	klog.Info("Generating template")
	tmpl, err := newTemplate("report", reportTemplate)
	if err != nil {
		return nil, err
	}
	s, err := execute(tmpl, report)
	if err != nil {
		return nil, err
	}
	return []*string{s}, nil
}
