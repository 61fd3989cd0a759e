package report

import (
	"fmt"
	"github.com/slack-go/slack"
	"k8s.io/klog/v2"
	"kube-vuln-scanner/cmd"
	"text/template"
	"time"
)

const slackReportTemplate = `{{ template "image" . }}`

// SlackReport generates vulnerability reports suitable for display within a Slack message by implementing
// the ExportFormatter interface.
type SlackReport struct {
	client  *slack.Client
	channel string
	// delay between two messages, to stay below the Slack rate limit
	delay time.Duration
}

// NewSlackReport returns a new SlackReport using the given cmd.SlackConfig.
func NewSlackReport(cfg *cmd.SlackConfig, opts ...slack.Option) *SlackReport {
	return &SlackReport{
		client:  slack.New(cfg.Token, opts...),
		channel: cfg.ChannelID,
		delay:   time.Second,
	}
}

// Export posts vulnerability reports for each image to Slack as a slack.Message composed of slack.Block objects.
func (sr *SlackReport) Export(reportMsgs []*string) error {
	headerSection := sr.GenerateTextBlock(fmt.Sprintf("Container image security updates as of %s\n", time.Now().Format(time.RFC1123Z)))
	for _, msg := range reportMsgs {
		reportSection := sr.GenerateTextBlock(*msg)
		blockParts := []slack.Block{
			headerSection,
			reportSection,
			slack.NewDividerBlock(),
		}
		channelID, timestamp, err := sr.PostMessage(blockParts...)
		if err != nil {
			return err
		}
		klog.Infof("Message successfully sent to channel %s at %s", channelID, timestamp)
	}
	return nil
}

// Format parses each ImageReport into a string suitable for use within a slack.Block.
func (sr *SlackReport) Format(reports []*ImageReport) ([]*string, error) {
	klog.Info("Generating slack message template")
	tmpl, err := newTemplate("slack", slackReportTemplate)
	if err != nil {
		return nil, err
	}

	reportMsgs := make([]*string, len(reports))
	for i, r := range reports {
		reportMsgs[i], err = sr.BuildReportMessage(tmpl, r)
		if err != nil {
			return nil, err
		}
	}
	return reportMsgs, nil
}

// BuildReportMessage constructs the message body for the given image vulnerability report.
func (sr *SlackReport) BuildReportMessage(tmpl *template.Template, report *ImageReport) (*string, error) {
	return execute(tmpl, report)
}

// GenerateTextBlock returns a slack SectionBlock for the given input string.
func (sr *SlackReport) GenerateTextBlock(input string) slack.Block {
	b := slack.NewTextBlockObject("mrkdwn", input, false, false)
	return slack.NewSectionBlock(b, nil, nil)
}

// PostMessage sends the given slack.Block messages to the Slack channel configured for this report.
func (sr *SlackReport) PostMessage(blocks ...slack.Block) (string, string, error) {
	// Delay calls to client.PostMessage in order to avoid exceeding Slack's rate limit
	time.Sleep(sr.delay)
	return sr.client.PostMessage(sr.channel, slack.MsgOptionBlocks(blocks...))
}
