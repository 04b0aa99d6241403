package oracle

import (
	"context"
	"strings"

	tls_client "github.com/bogdanfinn/tls-client"
	"go.uber.org/zap"

	"phishdecloaker/utils"
)

type httpTransport struct {
	base   string
	client tls_client.HttpClient
}

// NewHTTP serves the oracle from POST {base}/{modality}.
func NewHTTP(base string, ratePerSec float64, logger *zap.Logger) (*Client, error) {
	client, err := utils.NewHTTPClient(60)
	if err != nil {
		return nil, err
	}
	return newClient(&httpTransport{base: strings.TrimRight(base, "/"), client: client}, ratePerSec, logger), nil
}

func (t *httpTransport) call(ctx context.Context, req utils.OracleRequest) (utils.OracleResponse, error) {
	var out utils.OracleResponse
	err := utils.PostJSON(ctx, t.client, t.base+"/"+req.Modality, nil, req, &out)
	return out, err
}

func (t *httpTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
