package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sacexec/sace/agent/stream"
	"github.com/sacexec/sace/credential"
	"github.com/sacexec/sace/errdefs"
	"github.com/sacexec/sace/executor"
	"github.com/sacexec/sace/service"
	"go.uber.org/zap"
)

// baseURL is only used for routing; every connection goes to the unix socket.
const baseURL = "http://saced"

type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	socketPath               string
	customizeRetryableClient func(*retryablehttp.Client)
	streamClient             *stream.Client

	waitInterval time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// retryDial retries only requests that never reached the daemon, so a spawn
// is never submitted twice.
func retryDial(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	var opErr *net.OpError
	if err != nil && errors.As(err, &opErr) && opErr.Op == "dial" {
		return true, nil
	}
	return false, nil
}

// NewClient returns a client for the saced daemon listening on socketPath.
func NewClient(log *zap.SugaredLogger, socketPath string, opts ...ClientOption) (*Client, error) {
	if socketPath == "" {
		return nil, errdefs.InvalidArgument("client", "", "socket path is required")
	}
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	dialCtx := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, "unix", socketPath)
	}

	c := &Client{
		Logger:       log.Named("saced_client"),
		socketPath:   socketPath,
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	transport := &http.Transport{DialContext: dialCtx}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Transport: transport}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.CheckRetry = retryDial
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	// WebSocket upgrades need the raw transport
	c.streamClient = &stream.Client{
		HTTPClient: &http.Client{Transport: transport},
		Logger:     c.Logger.Named("stream_client"),
	}
	return c, nil
}

// send issues a request and turns unsuccessful responses into errors of the
// kind the server reported. The caller closes the returned body.
func (c *Client) send(ctx context.Context, op, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Add("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: HTTP error: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			b = []byte(fmt.Errorf("error reading body: %w", err).Error())
		}
		return nil, remoteError(op, resp.StatusCode, b)
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	resp, err := c.send(ctx, op, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", op, err)
	}
	return nil
}

func (c *Client) SendHeartbeat(ctx context.Context) (*HeartbeatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var resp HeartbeatResponse
	if err := c.doJSON(ctx, "heartbeat", http.MethodGet, "/heartbeat", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

// Run runs cmd to completion on the daemon, reporting whether it exited successfully.
// Canceling ctx kills the command.
func (c *Client) Run(ctx context.Context, cmd string, param *credential.Param) (bool, error) {
	var resp OKResponse
	err := c.doJSON(ctx, "run", http.MethodPost, "/run", RunRequest{Command: cmd, Param: param}, &resp)
	if err != nil {
		return false, err
	}
	return resp.OK, nil
}

// RunCommand starts cmd with a single stream pointing in the given direction.
func (c *Client) RunCommand(ctx context.Context, cmd string, bidirectional bool, param *credential.Param) (*RemoteCommand, error) {
	var resp OpenCommandResponse
	req := OpenCommandRequest{Command: cmd, Bidirectional: bidirectional, Param: param}
	if err := c.doJSON(ctx, "run-command", http.MethodPost, "/command", req, &resp); err != nil {
		return nil, err
	}
	return &RemoteCommand{
		c:         c,
		Handle:    resp.Handle,
		Pid:       resp.Pid,
		Direction: resp.Direction,
	}, nil
}

// CheckService ensures the named service exists, starting it if needed.
// restart is a policy name ("never", "on-failure" or "always"); empty means never.
func (c *Client) CheckService(ctx context.Context, name, cmd string, param *credential.Param, restart string) (*RemoteService, error) {
	var resp CheckServiceResponse
	req := CheckServiceRequest{Name: name, Command: cmd, Param: param, Restart: restart}
	if err := c.doJSON(ctx, "check-service", http.MethodPost, "/service", req, &resp); err != nil {
		return nil, err
	}
	return &RemoteService{c: c, Handle: resp.Handle, name: name, cmd: cmd}, nil
}

// LookupService attaches to a service the daemon already supervises.
func (c *Client) LookupService(ctx context.Context, name string) (*RemoteService, error) {
	var resp CheckServiceResponse
	if err := c.doJSON(ctx, "lookup-service", http.MethodGet, "/services/"+url.PathEscape(name), nil, &resp); err != nil {
		return nil, err
	}
	return &RemoteService{c: c, Handle: resp.Handle, name: resp.Name, cmd: resp.Command}, nil
}

// Services lists every service the daemon supervises.
func (c *Client) Services(ctx context.Context) ([]service.Info, error) {
	var infos []service.Info
	if err := c.doJSON(ctx, "services", http.MethodGet, "/services", nil, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

func commandPath(h executor.Handle, op string) string {
	if op == "" {
		return fmt.Sprintf("/command/%d", uint64(h))
	}
	return fmt.Sprintf("/command/%d/%s", uint64(h), op)
}

func servicePath(h executor.Handle, op string) string {
	if op == "" {
		return fmt.Sprintf("/service/%d", uint64(h))
	}
	return fmt.Sprintf("/service/%d/%s", uint64(h), op)
}
