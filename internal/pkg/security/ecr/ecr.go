package ecr

import (
	"context"
	"fmt"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ecr"
	"github.com/aws/aws-sdk-go/service/ecr/ecriface"
	"k8s.io/klog/v2"
	"kube-vuln-scanner/internal/pkg/security"
	"regexp"
	"strings"
	"sync"
)

// ID identifies AWS ECR image scanning in the backend configuration and in scan results.
const ID = "ecr"

var registryPattern = regexp.MustCompile(`^(?:https?://)?(\d+)\.dkr\.ecr\.([a-z0-9-]+)\.amazonaws\.com/?$`)

// Backend retrieves vulnerabilities from the basic image scanning of an AWS ECR registry.
type Backend struct {
	registryId string
	region     string

	once   sync.Once
	ecr    ecriface.ECRAPI
	ecrErr error
}

// New returns a Backend for the given ECR registry, e.g. "123456789012.dkr.ecr.us-east-1.amazonaws.com". The AWS
// session is created on first use.
func New(server string) (*Backend, error) {
	registryId, region, err := splitRegistry(server)
	if err != nil {
		return nil, err
	}
	return &Backend{registryId: registryId, region: region}, nil
}

// NewWithClient returns a Backend using the given ECR client.
func NewWithClient(server string, client ecriface.ECRAPI) (*Backend, error) {
	b, err := New(server)
	if err != nil {
		return nil, err
	}
	b.once.Do(func() { b.ecr = client })
	return b, nil
}

// ID implements security.Backend.
func (b *Backend) ID() string {
	return ID
}

// Vulnerabilities starts an ECR image scan for the image, waits for it to complete and returns its findings.
func (b *Backend) Vulnerabilities(ctx context.Context, img *security.Image) []security.Vulnerability {
	vulns := []security.Vulnerability{}
	client, err := b.client()
	if err != nil {
		klog.Errorf("Unable to create AWS session for ECR in %s: %s", b.region, err.Error())
		return vulns
	}
	if err := b.scanImage(ctx, client, img); err != nil {
		return vulns
	}
	findings, err := b.getScanResults(ctx, client, img)
	if err != nil {
		return vulns
	}
	for _, f := range findings {
		vulns = append(vulns, parseFinding(f))
	}
	return vulns
}

func (b *Backend) client() (ecriface.ECRAPI, error) {
	b.once.Do(func() {
		s, err := session.NewSessionWithOptions(session.Options{
			Config:            aws.Config{Region: aws.String(b.region)},
			SharedConfigState: session.SharedConfigEnable,
		})
		if err != nil {
			b.ecrErr = err
			return
		}
		b.ecr = ecr.New(s)
	})
	return b.ecr, b.ecrErr
}

// scanImage starts a vulnerability scan for the given image.
func (b *Backend) scanImage(ctx context.Context, client ecriface.ECRAPI, img *security.Image) error {
	klog.Infof("Starting AWS ECR image scan on %s:%s", img.Name, img.Tag)
	in := &ecr.StartImageScanInput{
		ImageId:        imageIdentifier(img),
		RegistryId:     aws.String(b.registryId),
		RepositoryName: aws.String(img.Name),
	}
	out, err := client.StartImageScanWithContext(ctx, in)
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok {
			switch aerr.Code() {
			case ecr.ErrCodeLimitExceededException:
				klog.Infof("Retrieving existing AWS ECR image scan results for %s:%s", img.Name, img.Tag)
				return nil
			case ecr.ErrCodeImageNotFoundException:
				klog.Errorf("Image %s:%s not found", img.Name, img.Tag)
			default:
				klog.Errorf("Error when scanning repository %s:%s: %s", img.Name, img.Tag, err.Error())
			}
		} else {
			klog.Errorf("Error when scanning repository %s:%s: %s", img.Name, img.Tag, err.Error())
		}
		return err
	}
	if out.ImageScanStatus != nil {
		klog.Infof("Started AWS ECR image scan on %s:%s: %s", img.Name, img.Tag, aws.StringValue(out.ImageScanStatus.Status))
	}
	return nil
}

// getScanResults waits for the latest image scan to complete and retrieves all of its findings.
func (b *Backend) getScanResults(ctx context.Context, client ecriface.ECRAPI, img *security.Image) ([]*ecr.ImageScanFinding, error) {
	klog.Infof("Waiting for AWS ECR scan results for image: %s:%s", img.Name, img.Tag)
	in := &ecr.DescribeImageScanFindingsInput{
		ImageId:        imageIdentifier(img),
		RegistryId:     aws.String(b.registryId),
		RepositoryName: aws.String(img.Name),
	}
	if err := client.WaitUntilImageScanCompleteWithContext(ctx, in); err != nil {
		klog.Errorf("Error while waiting for image scan to complete: %s", err.Error())
		return nil, err
	}

	var findings []*ecr.ImageScanFinding
	for {
		out, err := client.DescribeImageScanFindingsWithContext(ctx, in)
		if err != nil {
			klog.Errorf("Error describing image scan findings: %s", err.Error())
			return nil, err
		}
		if out.ImageScanFindings != nil {
			findings = append(findings, out.ImageScanFindings.Findings...)
		}
		if aws.StringValue(out.NextToken) == "" {
			return findings, nil
		}
		in.NextToken = out.NextToken
	}
}

// parseFinding normalizes an ECR finding. Its attributes (package, CVSS score, ...) are kept as metadata.
func parseFinding(finding *ecr.ImageScanFinding) security.Vulnerability {
	vuln := security.Vulnerability{
		Name:     aws.StringValue(finding.Name),
		Link:     aws.StringValue(finding.Uri),
		Severity: normalizeSeverity(aws.StringValue(finding.Severity)),
	}
	if len(finding.Attributes) > 0 {
		vuln.Metadata = make(map[string]interface{}, len(finding.Attributes))
		for _, a := range finding.Attributes {
			vuln.Metadata[aws.StringValue(a.Key)] = aws.StringValue(a.Value)
		}
	}
	if desc := aws.StringValue(finding.Description); desc != "" {
		if vuln.Metadata == nil {
			vuln.Metadata = map[string]interface{}{}
		}
		vuln.Metadata["description"] = desc
	}
	return vuln
}

// normalizeSeverity maps ECR severities onto the Clair scale.
func normalizeSeverity(severity string) security.Severity {
	switch severity {
	case ecr.FindingSeverityInformational:
		return security.SeverityNegligible
	case ecr.FindingSeverityLow:
		return security.SeverityLow
	case ecr.FindingSeverityMedium:
		return security.SeverityMedium
	case ecr.FindingSeverityHigh:
		return security.SeverityHigh
	case ecr.FindingSeverityCritical:
		return security.SeverityCritical
	default:
		return security.SeverityUnknown
	}
}

func imageIdentifier(img *security.Image) *ecr.ImageIdentifier {
	if strings.HasPrefix(img.Tag, "sha256:") {
		return &ecr.ImageIdentifier{ImageDigest: aws.String(img.Tag)}
	}
	return &ecr.ImageIdentifier{ImageTag: aws.String(img.Tag)}
}

// splitRegistry splits an ECR registry address into its <registryAccountId> and <region> components.
func splitRegistry(server string) (string, string, error) {
	m := registryPattern.FindStringSubmatch(strings.TrimSpace(server))
	if m == nil {
		return "", "", fmt.Errorf("%q is not an AWS ECR registry", server)
	}
	return m[1], m[2], nil
}
