package dispatch

import (
	"context"
	"net/url"
	"strings"

	tls_client "github.com/bogdanfinn/tls-client"
	"go.uber.org/zap"

	"phishdecloaker/queue"
	"phishdecloaker/utils"
)

const VirusTotalURL = "https://www.virustotal.com/api/v3/urls"

// Notifier tells the poll bot about new samples and submits domains to
// VirusTotal. Both sinks are skipped when unconfigured.
type Notifier struct {
	PollerURL     string
	VirusTotalURL string
	VirusTotalKey string

	client  tls_client.HttpClient
	metrics *Metrics
	logger  *zap.Logger
}

func NewNotifier(pollerURL, vtKey string, metrics *Metrics, logger *zap.Logger) (*Notifier, error) {
	client, err := utils.NewHTTPClient(30)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Notifier{
		PollerURL:     strings.TrimRight(pollerURL, "/"),
		VirusTotalURL: VirusTotalURL,
		VirusTotalKey: vtKey,
		client:        client,
		metrics:       metrics,
		logger:        logger,
	}, nil
}

// Poll asks the poll bot to open a vote on a stored sample.
func (n *Notifier) Poll(ctx context.Context, mode queue.Mode, sampleID string) error {
	if n.PollerURL == "" {
		return nil
	}
	err := utils.PostJSON(ctx, n.client, n.PollerURL+"/poll", nil, utils.PollRequest{
		CrawlMode: string(mode),
		SampleID:  sampleID,
	}, nil)
	n.count("poller", err)
	return err
}

// SubmitVirusTotal queues https://{domain} for analysis and returns the
// analysis id. It returns nil without an API key.
func (n *Notifier) SubmitVirusTotal(ctx context.Context, domain string) (*string, error) {
	if n.VirusTotalKey == "" {
		return nil, nil
	}
	header := map[string]string{
		"accept":   "application/json",
		"x-apikey": n.VirusTotalKey,
	}
	form := url.Values{"url": {"https://" + domain}}.Encode()

	var res utils.VTSubmitResponse
	err := utils.PostForm(ctx, n.client, n.VirusTotalURL, header, form, &res)
	n.count("virustotal", err)
	if err != nil {
		return nil, err
	}
	id := res.Data.ID
	return &id, nil
}

func (n *Notifier) count(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		n.logger.Warn("notification failed", zap.String("sink", sink), zap.Error(err))
	}
	n.metrics.Notifications.WithLabelValues(sink, result).Inc()
}
