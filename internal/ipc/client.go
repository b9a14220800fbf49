package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		_ = c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Start requests the daemon to start the pipeline.
func (c *Client) Start() (*StartResponse, error) {
	var resp StartResponse
	if err := c.client.Call("Fringe.Start", StartRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stop requests the daemon to stop the pipeline.
func (c *Client) Stop() (*StopResponse, error) {
	var resp StopResponse
	if err := c.client.Call("Fringe.Stop", StopRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.client.Call("Fringe.Status", StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GroupList returns observation groups optionally filtered by statuses.
func (c *Client) GroupList(statuses []string) (*GroupListResponse, error) {
	var resp GroupListResponse
	req := GroupListRequest{Statuses: statuses}
	if err := c.client.Call("Fringe.GroupList", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GroupDescribe returns one group with its member fragments.
func (c *Client) GroupDescribe(groupKey string) (*GroupDescribeResponse, error) {
	var resp GroupDescribeResponse
	req := GroupDescribeRequest{GroupKey: groupKey}
	if err := c.client.Call("Fringe.GroupDescribe", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// JobList returns conversion jobs optionally filtered by states.
func (c *Client) JobList(states []string) (*JobListResponse, error) {
	var resp JobListResponse
	req := JobListRequest{States: states}
	if err := c.client.Call("Fringe.JobList", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeadLetters returns unresolved dead-lettered jobs.
func (c *Client) DeadLetters() (*DeadLettersResponse, error) {
	var resp DeadLettersResponse
	if err := c.client.Call("Fringe.DeadLetters", DeadLettersRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResolveDeadLetter resolves one dead-lettered job, optionally requeueing it.
func (c *Client) ResolveDeadLetter(id int64, note string, requeue bool) (*ResolveDeadLetterResponse, error) {
	var resp ResolveDeadLetterResponse
	req := ResolveDeadLetterRequest{ID: id, Note: note, Requeue: requeue}
	if err := c.client.Call("Fringe.ResolveDeadLetter", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Observe records one fragment arrival by hand.
func (c *Client) Observe(path string, dec *float64) (*ObserveResponse, error) {
	var resp ObserveResponse
	req := ObserveRequest{Path: path, DecDegrees: dec}
	if err := c.client.Call("Fringe.Observe", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ProductList returns registry rows, optionally only those missing from
// storage.
func (c *Client) ProductList(missingOnly bool) (*ProductListResponse, error) {
	var resp ProductListResponse
	req := ProductListRequest{MissingOnly: missingOnly}
	if err := c.client.Call("Fringe.ProductList", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ProductRetire removes one registry row by fingerprint.
func (c *Client) ProductRetire(fingerprint string) (*ProductRetireResponse, error) {
	var resp ProductRetireResponse
	req := ProductRetireRequest{Fingerprint: fingerprint}
	if err := c.client.Call("Fringe.ProductRetire", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AnomalyList returns integrity findings.
func (c *Client) AnomalyList(includeResolved bool) (*AnomalyListResponse, error) {
	var resp AnomalyListResponse
	req := AnomalyListRequest{IncludeResolved: includeResolved}
	if err := c.client.Call("Fringe.AnomalyList", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AnomalyResolve acknowledges one finding.
func (c *Client) AnomalyResolve(id int64) (*AnomalyResolveResponse, error) {
	var resp AnomalyResolveResponse
	req := AnomalyResolveRequest{ID: id}
	if err := c.client.Call("Fringe.AnomalyResolve", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Sweep triggers an immediate reconciliation sweep.
func (c *Client) Sweep() (*SweepResponse, error) {
	var resp SweepResponse
	if err := c.client.Call("Fringe.Sweep", SweepRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Events fetches events after a cursor, optionally long-polling.
func (c *Client) Events(req EventsRequest) (*EventsResponse, error) {
	var resp EventsResponse
	if err := c.client.Call("Fringe.Events", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EventHistory replays recent events from the daemon archive.
func (c *Client) EventHistory(limit int) (*EventHistoryResponse, error) {
	var resp EventHistoryResponse
	req := EventHistoryRequest{Limit: limit}
	if err := c.client.Call("Fringe.EventHistory", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueueHealth returns pipeline diagnostics.
func (c *Client) QueueHealth() (*QueueHealthResponse, error) {
	var resp QueueHealthResponse
	if err := c.client.Call("Fringe.QueueHealth", QueueHealthRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DatabaseHealth retrieves detailed database diagnostics.
func (c *Client) DatabaseHealth() (*DatabaseHealthResponse, error) {
	var resp DatabaseHealthResponse
	if err := c.client.Call("Fringe.DatabaseHealth", DatabaseHealthRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TestAlert triggers a webhook delivery test via the daemon.
func (c *Client) TestAlert() (*TestAlertResponse, error) {
	var resp TestAlertResponse
	if err := c.client.Call("Fringe.TestAlert", TestAlertRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
