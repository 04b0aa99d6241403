package oracle

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"phishdecloaker/utils"
)

type natsTransport struct {
	nc     *nats.Conn
	prefix string
}

// NewNATS serves the oracle by request-reply on "{prefix}.{modality}".
func NewNATS(url, prefix string, ratePerSec float64, logger *zap.Logger) (*Client, error) {
	nc, err := nats.Connect(url, nats.Name("phishdecloaker-oracle"))
	if err != nil {
		return nil, err
	}
	return newClient(&natsTransport{nc: nc, prefix: prefix}, ratePerSec, logger), nil
}

func (t *natsTransport) call(ctx context.Context, req utils.OracleRequest) (utils.OracleResponse, error) {
	var out utils.OracleResponse
	payload, err := json.Marshal(req)
	if err != nil {
		return out, err
	}
	msg, err := t.nc.RequestWithContext(ctx, t.prefix+"."+req.Modality, payload)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(msg.Data, &out)
	return out, err
}

func (t *natsTransport) Close() error {
	return t.nc.Drain()
}
