// Package docker wraps the Docker Engine API with the narrow operation set
// the agent exposes over RPC.
package docker

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/moby/moby/client"
)

// Client wraps the Docker API client.
type Client struct {
	api *client.Client
}

// NewClient connects to the local daemon socket, or a TCP endpoint when the
// address carries a tcp:// scheme.
func NewClient(dockerSock string) (*Client, error) {
	var opts []client.Opt

	if strings.HasPrefix(dockerSock, "tcp://") {
		opts = append(opts, client.WithHost(dockerSock))
	} else {
		opts = append(opts,
			client.WithHost("unix://"+dockerSock),
			client.WithHTTPClient(&http.Client{
				Transport: &http.Transport{
					DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
						return net.DialTimeout("unix", dockerSock, 30*time.Second)
					},
				},
			}),
		)
	}

	api, err := client.New(opts...)
	if err != nil {
		return nil, err
	}
	return &Client{api: api}, nil
}

// Ping checks that the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.Ping(ctx, client.PingOptions{})
	return err
}

// Close releases the Docker client resources.
func (c *Client) Close() error {
	return c.api.Close()
}
