package proxy

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/codefionn/wiretap/wiretap-srv/config"
	"github.com/codefionn/wiretap/wiretap-srv/tlsengine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pkcs8 "github.com/youmark/pkcs8"
)

const testPassword = "testpassword"

type identityFiles struct {
	dir      string
	certFile string
	key      *ecdsa.PrivateKey
}

func newIdentityFiles(t *testing.T) identityFiles {
	t.Helper()
	cert, err := tlsengine.SelfSigned("127.0.0.1", "localhost")
	require.NoError(t, err)
	key, ok := cert.PrivateKey.(*ecdsa.PrivateKey)
	require.True(t, ok)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o600))
	return identityFiles{dir: dir, certFile: certFile, key: key}
}

func (f identityFiles) writeKey(t *testing.T, name string, block *pem.Block) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return path
}

func TestLoadIdentityNone(t *testing.T) {
	cert, err := LoadIdentity(config.TLSConfig{})
	assert.NoError(t, err)
	assert.Nil(t, cert)
}

func TestLoadIdentityPEM(t *testing.T) {
	files := newIdentityFiles(t)

	der, err := x509.MarshalPKCS8PrivateKey(files.key)
	require.NoError(t, err)
	plainKey := files.writeKey(t, "plain.pem", &pem.Block{Type: "PRIVATE KEY", Bytes: der})

	encrypted, err := pkcs8.MarshalPrivateKey(files.key, []byte(testPassword), nil)
	require.NoError(t, err)
	pkcs8Key := files.writeKey(t, "pkcs8.pem", &pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: encrypted})

	ecDER, err := x509.MarshalECPrivateKey(files.key)
	require.NoError(t, err)
	//nolint:staticcheck // legacy encrypted keys are still found in the wild
	legacyBlock, err := x509.EncryptPEMBlock(rand.Reader, "EC PRIVATE KEY", ecDER, []byte(testPassword), x509.PEMCipherAES256)
	require.NoError(t, err)
	legacyKey := files.writeKey(t, "legacy.pem", legacyBlock)

	tests := []struct {
		name        string
		keyFile     string
		password    string
		shouldError bool
	}{
		{name: "unencrypted", keyFile: plainKey},
		{name: "unencrypted_with_password", keyFile: plainKey, password: testPassword},
		{name: "pkcs8_encrypted", keyFile: pkcs8Key, password: testPassword},
		{name: "pkcs8_encrypted_wrong_password", keyFile: pkcs8Key, password: "wrongpassword", shouldError: true},
		{name: "pkcs8_encrypted_no_password", keyFile: pkcs8Key, shouldError: true},
		{name: "legacy_aes256", keyFile: legacyKey, password: testPassword},
		{name: "legacy_aes256_wrong_password", keyFile: legacyKey, password: "wrongpassword", shouldError: true},
		{name: "missing_key_file", keyFile: filepath.Join(files.dir, "missing.pem"), shouldError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cert, err := LoadIdentity(config.TLSConfig{
				CertFile:    files.certFile,
				KeyFile:     tt.keyFile,
				KeyPassword: tt.password,
			})
			if tt.shouldError {
				assert.Error(t, err)
				assert.Nil(t, cert)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, cert)
			assert.Len(t, cert.Certificate, 1)
		})
	}
}

func TestLoadIdentityKeystoreErrors(t *testing.T) {
	_, err := LoadIdentity(config.TLSConfig{Keystore: filepath.Join(t.TempDir(), "missing.p12")})
	var proxyErr *Error
	require.ErrorAs(t, err, &proxyErr)
	assert.Equal(t, ErrCodeKeystoreReadFailed, proxyErr.Code)

	garbage := filepath.Join(t.TempDir(), "garbage.p12")
	require.NoError(t, os.WriteFile(garbage, []byte("not a keystore"), 0o600))
	_, err = LoadIdentity(config.TLSConfig{Keystore: garbage, KeystorePassword: "a", KeyPassword: "b"})
	require.ErrorAs(t, err, &proxyErr)
	assert.Equal(t, ErrCodeKeystoreDecodeFailed, proxyErr.Code)
}

func TestDecryptPEMKeyLegacyRoundTrip(t *testing.T) {
	files := newIdentityFiles(t)
	ecDER, err := x509.MarshalECPrivateKey(files.key)
	require.NoError(t, err)

	for _, alg := range []x509.PEMCipher{x509.PEMCipherDES, x509.PEMCipher3DES, x509.PEMCipherAES128, x509.PEMCipherAES192, x509.PEMCipherAES256} {
		//nolint:staticcheck // legacy encrypted keys are still found in the wild
		block, err := x509.EncryptPEMBlock(rand.Reader, "EC PRIVATE KEY", ecDER, []byte(testPassword), alg)
		require.NoError(t, err)

		decrypted, err := decryptPEMKey(pem.EncodeToMemory(block), testPassword)
		require.NoError(t, err, block.Headers["DEK-Info"])

		out, _ := pem.Decode(decrypted)
		require.NotNil(t, out)
		assert.Equal(t, "EC PRIVATE KEY", out.Type)
		assert.Empty(t, out.Headers["Proc-Type"])
		assert.Empty(t, out.Headers["DEK-Info"])
		_, err = x509.ParseECPrivateKey(out.Bytes)
		assert.NoError(t, err)
	}
}

func TestDecryptPEMKeyEncryptedWithoutPassword(t *testing.T) {
	files := newIdentityFiles(t)
	encrypted, err := pkcs8.MarshalPrivateKey(files.key, []byte(testPassword), nil)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: encrypted})

	// Without a password the key is handed back untouched.
	out, err := decryptPEMKey(keyPEM, "")
	require.NoError(t, err)
	assert.Equal(t, keyPEM, out)

	_, err = decryptPEMKey([]byte("not pem"), testPassword)
	assert.Error(t, err)
}

func TestDecryptLegacyPEMBlockUnsupported(t *testing.T) {
	tests := []struct {
		name        string
		procType    string
		dekInfo     string
		expectedErr string
	}{
		{
			name:        "unsupported_algorithm",
			procType:    "4,ENCRYPTED",
			dekInfo:     "UNSUPPORTED-ALGORITHM,0123456789ABCDEF",
			expectedErr: "unsupported encryption algorithm: UNSUPPORTED-ALGORITHM",
		},
		{
			name:        "invalid_proc_type",
			procType:    "4,PLAIN",
			dekInfo:     "AES-128-CBC,0123456789ABCDEF0123456789ABCDEF",
			expectedErr: "PEM block does not have encrypted proc type",
		},
		{
			name:        "invalid_dek_info_format",
			procType:    "4,ENCRYPTED",
			dekInfo:     "AES-128-CBC",
			expectedErr: "invalid DEK-Info format",
		},
		{
			name:        "invalid_iv_length",
			procType:    "4,ENCRYPTED",
			dekInfo:     "AES-128-CBC,0123",
			expectedErr: "invalid IV length",
		},
		{
			name:        "invalid_iv_hex",
			procType:    "4,ENCRYPTED",
			dekInfo:     "AES-128-CBC,zz",
			expectedErr: "invalid IV hex",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			block := &pem.Block{
				Type: "RSA PRIVATE KEY",
				Headers: map[string]string{
					"Proc-Type": tt.procType,
					"DEK-Info":  tt.dekInfo,
				},
				Bytes: []byte("dummy encrypted data"),
			}
			_, err := decryptLegacyPEMBlock(block, []byte(testPassword))
			assert.ErrorContains(t, err, tt.expectedErr)
		})
	}
}

func TestEvpBytesToKey(t *testing.T) {
	salt := []byte("12345678")
	k16 := evpBytesToKey([]byte("pw"), salt, 16)
	k32 := evpBytesToKey([]byte("pw"), salt, 32)
	assert.Len(t, k16, 16)
	assert.Len(t, k32, 32)
	assert.Equal(t, k16, k32[:16])
	assert.NotEqual(t, k16, evpBytesToKey([]byte("other"), salt, 16))
}
