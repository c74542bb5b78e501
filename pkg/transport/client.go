package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/collie-store/collie/pkg/types"
)

// Client speaks the node request surface. It is safe for concurrent use.
type Client struct {
	hc *http.Client
}

// NewClient returns a client with sane timeouts for intra-cluster calls.
func NewClient() *Client {
	return &Client{hc: &http.Client{Timeout: 30 * time.Second}}
}

// Exec runs one request against the node at addr. Connection-level failures
// are retried briefly; a decoded response is returned as-is, its Result
// carrying the outcome.
func (c *Client) Exec(ctx context.Context, addr string, req *types.Request) (*types.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	var rsp *types.Response
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 5 * time.Second
	err = backoff.Retry(func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+"/v1/request", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		httpRsp, err := c.hc.Do(httpReq)
		if err != nil {
			return err
		}
		defer httpRsp.Body.Close()
		if httpRsp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(httpRsp.Body, 512))
			return backoff.Permanent(fmt.Errorf("node %s: %s: %s", addr, httpRsp.Status, bytes.TrimSpace(msg)))
		}
		rsp = &types.Response{}
		if err := json.NewDecoder(httpRsp.Body).Decode(rsp); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, err
	}
	return rsp, nil
}

// Propose forwards an encoded cluster envelope to the leader at addr.
func (c *Client) Propose(ctx context.Context, addr string, env []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+"/v1/cluster/propose", bytes.NewReader(env))
	if err != nil {
		return err
	}
	httpRsp, err := c.hc.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpRsp.Body.Close()
	if httpRsp.StatusCode != http.StatusNoContent {
		return codeFromHTTP(httpRsp.StatusCode).Err()
	}
	return nil
}

// Peers adapts the client to the per-node execution the dispatcher's
// gateway fan-out needs.
type Peers struct {
	c *Client
}

// NewPeers wraps c.
func NewPeers(c *Client) *Peers {
	return &Peers{c: c}
}

// Exec runs req on the given node.
func (p *Peers) Exec(node types.Node, req *types.Request) (*types.Response, error) {
	return p.c.Exec(context.Background(), node.Addr, req)
}
