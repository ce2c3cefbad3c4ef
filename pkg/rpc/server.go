package rpc

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"

	"github.com/cuemby/controllerd/pkg/log"
	"github.com/cuemby/controllerd/pkg/security"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// Server wraps a grpc.Server configured for mutual TLS, grounded on
// warren's pkg/api.NewServer: request but don't require a client
// certificate at the transport level, and verify any certificate that is
// presented against the cluster CA during the handshake (ClientAuth:
// VerifyClientCertIfGiven), TLS 1.3 minimum.
type Server struct {
	grpc   *grpc.Server
	logger zerolog.Logger
}

// NewServer issues this instance a node certificate from ca and builds a
// gRPC server serving impl over mTLS.
func NewServer(ca *security.CertAuthority, nodeID string, dnsNames []string, ipAddresses []net.IP, impl ControlServer) (*Server, error) {
	cert, err := ca.IssueNodeCertificate(nodeID, "controller", dnsNames, ipAddresses)
	if err != nil {
		return nil, fmt.Errorf("issue server certificate: %w", err)
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
		ClientAuth:   tls.VerifyClientCertIfGiven,
		Certificates: []tls.Certificate{*cert},
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS13,
	}

	grpcServer := grpc.NewServer(grpc.Creds(credentials.NewTLS(tlsConfig)))
	grpcServer.RegisterService(&serviceDesc, impl)

	return &Server{grpc: grpcServer, logger: log.WithComponent("rpc-server")}, nil
}

// Serve listens on addr and blocks until Stop is called or Serve fails.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.logger.Info().Str("addr", addr).Msg("rpc server listening")
	return s.grpc.Serve(lis)
}

// Stop gracefully drains in-flight RPCs before shutting the server down.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}
