// Package client is the Go API for a collie cluster: administrative
// operations against any node, plus VDI data access through the I/O engine.
package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/collie-store/collie/pkg/ops"
	"github.com/collie-store/collie/pkg/status"
	"github.com/collie-store/collie/pkg/transport"
	"github.com/collie-store/collie/pkg/types"
)

// Client talks to one node's request surface.
type Client struct {
	addr string
	t    *transport.Client
}

// New returns a client bound to the node at addr.
func New(addr string) *Client {
	return &Client{addr: addr, t: transport.NewClient()}
}

// do executes one request and folds a non-success result code into the
// error, preserving its numeric identity.
func (c *Client) do(ctx context.Context, req *types.Request) (*types.Response, error) {
	rsp, err := c.t.Exec(ctx, c.addr, req)
	if err != nil {
		return nil, err
	}
	if code := status.Code(rsp.Result); code != status.Success {
		return rsp, code
	}
	return rsp, nil
}

// FormatCluster wipes and (re)initializes the whole cluster.
func (c *Client) FormatCluster(ctx context.Context, copies uint8, storeName string) error {
	_, err := c.do(ctx, &types.Request{Op: types.OpMakeFS, Copies: copies, Name: storeName})
	return err
}

// StatCluster reports the cluster state as seen by the contacted node.
func (c *Client) StatCluster(ctx context.Context) (*ops.ClusterStat, error) {
	rsp, err := c.do(ctx, &types.Request{Op: types.OpStatCluster})
	if err != nil {
		return nil, err
	}
	var stat ops.ClusterStat
	if err := json.Unmarshal(rsp.Data, &stat); err != nil {
		return nil, fmt.Errorf("decoding cluster stat: %w", err)
	}
	return &stat, nil
}

// Shutdown stops the whole cluster cleanly.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.do(ctx, &types.Request{Op: types.OpShutdown})
	return err
}

// ForceRecover restarts a cluster stuck waiting for lost nodes.
func (c *Client) ForceRecover(ctx context.Context) error {
	_, err := c.do(ctx, &types.Request{Op: types.OpForceRecover})
	return err
}

// NodeList returns the current membership.
func (c *Client) NodeList(ctx context.Context) ([]types.Node, error) {
	rsp, err := c.do(ctx, &types.Request{Op: types.OpGetNodeList})
	if err != nil {
		return nil, err
	}
	return rsp.Nodes, nil
}

// StatNode reports the contacted node's capacity and usage.
func (c *Client) StatNode(ctx context.Context) (*ops.NodeStat, error) {
	rsp, err := c.do(ctx, &types.Request{Op: types.OpStatNode})
	if err != nil {
		return nil, err
	}
	var stat ops.NodeStat
	if err := json.Unmarshal(rsp.Data, &stat); err != nil {
		return nil, fmt.Errorf("decoding node stat: %w", err)
	}
	return &stat, nil
}

// StatRecovery reports recovery progress on the contacted node.
func (c *Client) StatRecovery(ctx context.Context) (*types.RecoveryState, error) {
	rsp, err := c.do(ctx, &types.Request{Op: types.OpStatRecovery})
	if err != nil {
		return nil, err
	}
	var st types.RecoveryState
	if err := json.Unmarshal(rsp.Data, &st); err != nil {
		return nil, fmt.Errorf("decoding recovery state: %w", err)
	}
	return &st, nil
}

// Epoch returns the current membership epoch.
func (c *Client) Epoch(ctx context.Context) (uint32, error) {
	rsp, err := c.do(ctx, &types.Request{Op: types.OpGetEpoch})
	if err != nil {
		return 0, err
	}
	return rsp.Epoch, nil
}

// EpochNodes returns the membership logged at epoch.
func (c *Client) EpochNodes(ctx context.Context, epoch uint32) ([]types.Node, error) {
	rsp, err := c.do(ctx, &types.Request{Op: types.OpGetEpoch, Epoch: epoch})
	if err != nil {
		return nil, err
	}
	return rsp.Nodes, nil
}

// LogLevel reads the daemon's current log level.
func (c *Client) LogLevel(ctx context.Context) (string, error) {
	rsp, err := c.do(ctx, &types.Request{Op: types.OpGetLogLevel})
	if err != nil {
		return "", err
	}
	return rsp.Level, nil
}

// SetLogLevel adjusts the daemon's log level at runtime.
func (c *Client) SetLogLevel(ctx context.Context, level string) error {
	_, err := c.do(ctx, &types.Request{Op: types.OpSetLogLevel, Level: level})
	return err
}

// KillNode stops the contacted node without a cluster shutdown.
func (c *Client) KillNode(ctx context.Context) error {
	_, err := c.do(ctx, &types.Request{Op: types.OpKillNode})
	return err
}

// Reweight re-advertises the contacted node's capacity.
func (c *Client) Reweight(ctx context.Context) error {
	_, err := c.do(ctx, &types.Request{Op: types.OpReweight})
	return err
}

// PlugMedia attaches storage media on the contacted node.
func (c *Client) PlugMedia(ctx context.Context, paths []string) error {
	_, err := c.do(ctx, &types.Request{Op: types.OpMediaPlug, Paths: paths})
	return err
}

// UnplugMedia detaches storage media on the contacted node.
func (c *Client) UnplugMedia(ctx context.Context, paths []string) error {
	_, err := c.do(ctx, &types.Request{Op: types.OpMediaUnplug, Paths: paths})
	return err
}

// MediaInfo lists the media attached on the contacted node.
func (c *Client) MediaInfo(ctx context.Context) ([]ops.MediaInfo, error) {
	rsp, err := c.do(ctx, &types.Request{Op: types.OpMediaInfo})
	if err != nil {
		return nil, err
	}
	var media []ops.MediaInfo
	if err := json.Unmarshal(rsp.Data, &media); err != nil {
		return nil, fmt.Errorf("decoding media info: %w", err)
	}
	return media, nil
}

// AlterCopies changes the cluster-wide default redundancy.
func (c *Client) AlterCopies(ctx context.Context, copies uint8) error {
	_, err := c.do(ctx, &types.Request{Op: types.OpAlterClusterCopies, Copies: copies})
	return err
}

// DiscardObject drops one data object of a VDI, returning its space.
func (c *Client) DiscardObject(ctx context.Context, oid types.ObjectID) error {
	_, err := c.do(ctx, &types.Request{Op: types.OpDiscardObj, Oid: oid})
	return err
}
