package namespace

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/http2"
)

// ServerStats is the subset of ZooKeeper's AdminServer "mntr" command the harness reports.
type ServerStats struct {
	ZnodeCount          int64  `json:"znode_count"`
	ApproximateDataSize int64  `json:"approximate_data_size"`
	AliveConnections    int64  `json:"num_alive_connections"`
	ServerState         string `json:"server_state"`
	Error               string `json:"error"`
}

// AdminProbe reads server statistics from a ZooKeeper AdminServer.
type AdminProbe struct {
	baseURL string
	client  *http.Client
}

// NewAdminProbe returns a probe for the AdminServer at baseURL, e.g. http://zk-0:8080.
func NewAdminProbe(baseURL string) (*AdminProbe, error) {
	client, err := newHTTPClient()
	if err != nil {
		return nil, err
	}
	return &AdminProbe{baseURL: strings.TrimSuffix(baseURL, "/"), client: client}, nil
}

// Stats fetches /commands/mntr.
func (p *AdminProbe) Stats(ctx context.Context) (*ServerStats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/commands/mntr", nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "query admin server")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("admin server returned %s", resp.Status)
	}
	stats := &ServerStats{}
	if err := json.NewDecoder(resp.Body).Decode(stats); err != nil {
		return nil, errors.Wrap(err, "decode mntr response")
	}
	if stats.Error != "" {
		return nil, errors.Errorf("admin server: %s", stats.Error)
	}
	return stats, nil
}

// newHTTPClient creates an HTTP client with pooled connections and HTTP/2 enabled for TLS endpoints.
func newHTTPClient() (*http.Client, error) {
	transport := &http.Transport{
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, errors.Wrap(err, "configure HTTP/2")
	}
	return &http.Client{
		Transport: transport,
		Timeout:   10 * time.Second,
	}, nil
}
