/*
Package security loads the mTLS certificate material stepd uses to
authenticate its gRPC connections: the controller channel every step
manager opens on launch, and the peer channels the completion tree opens
between a manager and its children.

stepd is not a certificate authority. It never generates, signs, or
rotates anything — the enclosing node daemon provisions a cert directory
(node certificate, private key, and CA certificate) out of band, and
this package's job is limited to finding that directory and loading its
contents into forms crypto/tls and grpc/credentials can use directly.

# Layout

Each role/node pair gets its own directory, defaulting to
~/.stepd/certs/<role>-<nodeID> unless the embedding Config overrides it:

	<certDir>/node.crt   node certificate (PEM)
	<certDir>/node.key   node private key (PEM)
	<certDir>/ca.crt     CA certificate used to verify the peer (PEM)

# Usage

	dir, err := security.GetCertDir("controller", nodeID)
	if err != nil {
		return err
	}
	if !security.CertExists(dir) {
		return fmt.Errorf("no certificate material in %s", dir)
	}

	cert, err := security.LoadCertFromFile(dir)
	if err != nil {
		return err
	}
	caCert, err := security.LoadCACertFromFile(dir)
	if err != nil {
		return err
	}

	pool := x509.NewCertPool()
	pool.AddCert(caCert)
	creds := credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      pool,
	})

# Security considerations

Loading is the only responsibility here; key management, rotation, and
revocation are the node daemon's concern. A missing or unreadable
certificate is a hard failure for every loader here. cmd/stepd only loads
certificates when --cert-dir is set; with it empty, it dials plaintext.
*/
package security
