/*
Package security manages the cluster's internal certificate authority and
the mTLS certificates controller peers use to authenticate each other and
the accounting database transport.

CertAuthority holds a self-signed root (Initialize), persists it through
storage.Store with the private key sealed by AES-256-GCM under a key
derived from the cluster id (keystore.go), and issues short-lived peer
certificates (IssueNodeCertificate, IssueClientCertificate) signed by
that root. certs.go adds
file-based helpers for caching issued certificates on disk between
process restarts and for detecting when a certificate is due for
rotation.
*/
package security
