package clustercfg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTimeout  = errors.New("clustercfg: request timed out")
	ErrRejected = errors.New("clustercfg: request rejected")
)

// Client talks to the admin server of one node.
type Client struct {
	serverURL  string
	httpClient *http.Client
	clientID   string
}

func NewClient(serverURL string) *Client {
	if !strings.HasPrefix(serverURL, "http://") && !strings.HasPrefix(serverURL, "https://") {
		serverURL = "http://" + serverURL
	}
	return &Client{
		serverURL: strings.TrimSuffix(serverURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		clientID: uuid.NewString(),
	}
}

// ClientID identifies this client in the request ids it sends.
func (c *Client) ClientID() string {
	return c.clientID
}

func (c *Client) do(ctx context.Context, method, path string, body any) (response, error) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return response{}, err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, reader)
	if err != nil {
		return response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", c.clientID+"/"+uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return response{}, fmt.Errorf("%w: %s %s", ErrTimeout, method, path)
		}
		return response{}, fmt.Errorf("failed to reach %s: %w", c.serverURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGatewayTimeout {
		return response{}, fmt.Errorf("%w: %s %s", ErrTimeout, method, path)
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return response{}, fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, err)
	}
	if !out.Success {
		return out, fmt.Errorf("%w: %s", ErrRejected, out.Error)
	}
	return out, nil
}

// ListMembers returns the node's view of the membership.
func (c *Client) ListMembers(ctx context.Context) (Membership, error) {
	resp, err := c.do(ctx, http.MethodGet, "/members", nil)
	if err != nil {
		return Membership{}, err
	}
	if resp.Membership == nil {
		return Membership{}, fmt.Errorf("list members: empty response")
	}
	return *resp.Membership, nil
}

// AddMember asks the leader to add a member.
func (c *Client) AddMember(ctx context.Context, id int32, endpoints string) error {
	_, err := c.do(ctx, http.MethodPost, "/members/add", map[string]any{"memberId": id, "endpoints": endpoints})
	return err
}

// RemoveMember asks the leader to remove a member.
func (c *Client) RemoveMember(ctx context.Context, id int32, passive bool) error {
	_, err := c.do(ctx, http.MethodPost, "/members/remove", map[string]any{"memberId": id, "passive": passive})
	return err
}

func (c *Client) RequestSnapshot(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/snapshot", nil)
	return err
}

func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/shutdown", nil)
	return err
}

func (c *Client) Abort(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/abort", nil)
	return err
}

// Offer sends a command to the node's ingress and returns its log position.
func (c *Client) Offer(ctx context.Context, sessionID int64, payload []byte) (int64, error) {
	resp, err := c.do(ctx, http.MethodPost, "/ingress", map[string]any{"sessionId": sessionID, "payload": payload})
	if err != nil {
		return 0, err
	}
	return resp.Position, nil
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	resp, err := c.do(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		return Status{}, err
	}
	if resp.Status == nil {
		return Status{}, fmt.Errorf("status: empty response")
	}
	return *resp.Status, nil
}

// WaitForLeader polls the node until it reports a leader or ctx ends.
func (c *Client) WaitForLeader(ctx context.Context, interval time.Duration) (Status, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Infof("waiting for a leader via %s", c.serverURL)

	for {
		status, err := c.Status(ctx)
		if err != nil {
			log.Debugf("status check failed: %v", err)
		} else if status.LeaderID >= 0 && status.ElectionState == "" {
			log.Infof("leader is member %d in term %d", status.LeaderID, status.TermID)
			return status, nil
		}

		select {
		case <-ctx.Done():
			return Status{}, fmt.Errorf("%w: waiting for leader: %v", ErrTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}
