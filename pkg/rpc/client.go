package rpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/cuemby/controllerd/pkg/security"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// Client is a thin typed wrapper around a grpc.ClientConn dialed with
// mTLS, grounded on warren's pkg/client.connectWithMTLS: a client
// certificate issued by the cluster CA, the CA's root cert as the only
// trusted root, TLS 1.3 minimum.
type Client struct {
	conn *grpc.ClientConn
}

// Dial issues clientID a client certificate from ca and opens a
// connection to addr.
func Dial(addr string, ca *security.CertAuthority, clientID string) (*Client, error) {
	cert, err := ca.IssueClientCertificate(clientID)
	if err != nil {
		return nil, fmt.Errorf("issue client certificate: %w", err)
	}

	rootDER := ca.GetRootCACert()
	if rootDER == nil {
		return nil, fmt.Errorf("certificate authority is not initialized")
	}
	rootCert, err := x509.ParseCertificate(rootDER)
	if err != nil {
		return nil, fmt.Errorf("parse root CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(rootCert)

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

func invoke[Req any, Resp any](ctx context.Context, c *Client, method string, req *Req) (*Resp, error) {
	resp := new(Resp)
	fullMethod := "/" + ServiceName + "/" + method
	if err := c.conn.Invoke(ctx, fullMethod, req, resp, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Ping(ctx context.Context) (*PingResponse, error) {
	return invoke[PingRequest, PingResponse](ctx, c, "Ping", &PingRequest{})
}

func (c *Client) ControlStatus(ctx context.Context) (*ControlStatusResponse, error) {
	return invoke[ControlStatusRequest, ControlStatusResponse](ctx, c, "ControlStatus", &ControlStatusRequest{})
}

func (c *Client) Shutdown(ctx context.Context, req *ShutdownRequest) (*ShutdownResponse, error) {
	return invoke[ShutdownRequest, ShutdownResponse](ctx, c, "Shutdown", req)
}

func (c *Client) Takeover(ctx context.Context) (*TakeoverResponse, error) {
	return invoke[TakeoverRequest, TakeoverResponse](ctx, c, "Takeover", &TakeoverRequest{})
}

func (c *Client) Control(ctx context.Context, req *ControlRequest) (*ControlResponse, error) {
	return invoke[ControlRequest, ControlResponse](ctx, c, "Control", req)
}

func (c *Client) Config(ctx context.Context) (*ConfigResponse, error) {
	return invoke[ConfigRequest, ConfigResponse](ctx, c, "Config", &ConfigRequest{})
}

func (c *Client) Join(ctx context.Context, req *JoinRequest) (*JoinResponse, error) {
	return invoke[JoinRequest, JoinResponse](ctx, c, "Join", req)
}

func (c *Client) SendAccounting(ctx context.Context, req *AccountingRequest) (*AccountingResponse, error) {
	return invoke[AccountingRequest, AccountingResponse](ctx, c, "SendAccounting", req)
}
