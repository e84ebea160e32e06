package proxy

import (
	"crypto"
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"

	"github.com/codefionn/wiretap/wiretap-srv/config"
	"github.com/codefionn/wiretap/wiretap-srv/logger"
	"golang.org/x/crypto/pkcs12"
)

// LoadIdentity reads the certificate and key used to terminate intercepted
// TLS and to serve the secure listener. It returns nil when cfg names no identity.
func LoadIdentity(cfg config.TLSConfig) (*tls.Certificate, error) {
	switch {
	case cfg.Keystore != "":
		return loadKeystore(cfg.Keystore, cfg.KeystorePassword, cfg.KeyPassword)
	case cfg.CertFile != "" && cfg.KeyFile != "":
		return loadPEMIdentity(cfg.CertFile, cfg.KeyFile, cfg.KeyPassword)
	default:
		return nil, nil
	}
}

func readIdentityFile(path string) ([]byte, error) {
	clean := filepath.Clean(path)
	data, err := os.ReadFile(clean)
	if err != nil {
		return nil, NewProxyError(ErrCodeKeystoreReadFailed, GetErrorDescription(ErrCodeKeystoreReadFailed), fmt.Errorf("%s: %w", clean, err))
	}
	return data, nil
}

// loadKeystore decodes a PKCS#12 keystore. The store password is tried first;
// when the key password differs it is tried as well, since stores exported
// with a separate key password need it to open the key bag.
func loadKeystore(path, storePassword, keyPassword string) (*tls.Certificate, error) {
	data, err := readIdentityFile(path)
	if err != nil {
		return nil, err
	}

	key, cert, err := pkcs12.Decode(data, storePassword)
	if err != nil && keyPassword != "" && keyPassword != storePassword {
		logger.Debug("Keystore %s did not open with the store password, trying the key password", path)
		key, cert, err = pkcs12.Decode(data, keyPassword)
	}
	if err != nil {
		return nil, NewProxyError(ErrCodeKeystoreDecodeFailed, GetErrorDescription(ErrCodeKeystoreDecodeFailed), fmt.Errorf("%s: %w", path, err))
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, NewProxyError(ErrCodeKeystoreDecodeFailed, GetErrorDescription(ErrCodeKeystoreDecodeFailed), fmt.Errorf("%s: unsupported key type %T", path, key))
	}

	logger.Info("Loaded TLS identity %q from keystore %s", cert.Subject.CommonName, path)
	return &tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  signer,
		Leaf:        cert,
	}, nil
}

func loadPEMIdentity(certFile, keyFile, keyPassword string) (*tls.Certificate, error) {
	certPEM, err := readIdentityFile(certFile)
	if err != nil {
		return nil, err
	}
	keyPEM, err := readIdentityFile(keyFile)
	if err != nil {
		return nil, err
	}

	keyPEM, err = decryptPEMKey(keyPEM, keyPassword)
	if err != nil {
		return nil, NewProxyError(ErrCodeKeyDecryptFailed, GetErrorDescription(ErrCodeKeyDecryptFailed), fmt.Errorf("%s: %w", keyFile, err))
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, NewProxyError(ErrCodeKeystoreDecodeFailed, GetErrorDescription(ErrCodeKeystoreDecodeFailed), err)
	}
	logger.Info("Loaded TLS identity from %s", certFile)
	return &cert, nil
}
