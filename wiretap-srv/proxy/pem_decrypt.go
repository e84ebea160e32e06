package proxy

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des" // nolint:gosec // legacy RFC 1423 keys
	"crypto/md5" // nolint:gosec // legacy RFC 1423 keys
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/codefionn/wiretap/wiretap-srv/logger"
	pkcs8 "github.com/youmark/pkcs8"
)

// legacyCipher describes one DEK-Info algorithm of RFC 1423 encrypted PEM blocks.
type legacyCipher struct {
	keySize   int
	blockSize int
	newCipher func(key []byte) (cipher.Block, error)
}

var legacyCiphers = map[string]legacyCipher{
	"DES-CBC":      {keySize: 8, blockSize: des.BlockSize, newCipher: des.NewCipher},
	"DES-EDE3-CBC": {keySize: 24, blockSize: des.BlockSize, newCipher: des.NewTripleDESCipher},
	"AES-128-CBC":  {keySize: 16, blockSize: aes.BlockSize, newCipher: aes.NewCipher},
	"AES-192-CBC":  {keySize: 24, blockSize: aes.BlockSize, newCipher: aes.NewCipher},
	"AES-256-CBC":  {keySize: 32, blockSize: aes.BlockSize, newCipher: aes.NewCipher},
}

// isLegacyEncryptedPEMBlock checks if a PEM block is encrypted using legacy RFC 1423 encryption
func isLegacyEncryptedPEMBlock(block *pem.Block) bool {
	_, hasInfo := block.Headers["Proc-Type"]
	_, hasKey := block.Headers["DEK-Info"]
	return hasInfo && hasKey
}

// evpBytesToKey derives a key the way OpenSSL does for legacy PEM
// encryption: repeated MD5 over the previous digest, password and salt.
func evpBytesToKey(password, salt []byte, keySize int) []byte {
	var derived, prev []byte
	for len(derived) < keySize {
		h := md5.New() // nolint:gosec // legacy RFC 1423 keys
		h.Write(prev)
		h.Write(password)
		h.Write(salt)
		prev = h.Sum(nil)
		derived = append(derived, prev...)
	}
	return derived[:keySize]
}

// decryptLegacyPEMBlock decrypts a legacy encrypted PEM block (RFC 1423)
func decryptLegacyPEMBlock(block *pem.Block, password []byte) ([]byte, error) {
	if block.Headers["Proc-Type"] != "4,ENCRYPTED" {
		return nil, errors.New("PEM block does not have encrypted proc type")
	}

	alg, ivHex, ok := strings.Cut(block.Headers["DEK-Info"], ",")
	if !ok {
		return nil, errors.New("invalid DEK-Info format")
	}
	params, ok := legacyCiphers[alg]
	if !ok {
		return nil, fmt.Errorf("unsupported encryption algorithm: %s", alg)
	}

	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return nil, fmt.Errorf("invalid IV hex: %w", err)
	}
	if len(iv) != params.blockSize {
		return nil, fmt.Errorf("invalid IV length for %s: expected %d bytes, got %d", alg, params.blockSize, len(iv))
	}

	// The first eight IV bytes are the salt.
	key := evpBytesToKey(password, iv[:8], params.keySize)
	blockCipher, err := params.newCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s cipher: %w", alg, err)
	}

	if len(block.Bytes) == 0 || len(block.Bytes)%params.blockSize != 0 {
		return nil, errors.New("ciphertext is not a multiple of the block size")
	}
	decrypted := make([]byte, len(block.Bytes))
	cipher.NewCBCDecrypter(blockCipher, iv).CryptBlocks(decrypted, block.Bytes)

	padLen := int(decrypted[len(decrypted)-1])
	if padLen == 0 || padLen > params.blockSize || padLen > len(decrypted) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range decrypted[len(decrypted)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("invalid padding")
		}
	}
	return decrypted[:len(decrypted)-padLen], nil
}

// decryptPEMKey decrypts a password-protected PEM private key.
// If password is empty, it assumes the key is not encrypted and returns the original PEM data.
func decryptPEMKey(keyPEM []byte, password string) ([]byte, error) {
	if password == "" {
		return keyPEM, nil
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	if block.Type == "ENCRYPTED PRIVATE KEY" {
		key, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(password))
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt PKCS#8 encrypted private key: %w", err)
		}
		logger.Debug("Decrypted PKCS#8 encrypted private key")

		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal decrypted private key: %w", err)
		}
		return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
	}

	if !isLegacyEncryptedPEMBlock(block) {
		return keyPEM, nil
	}

	plain, err := decryptLegacyPEMBlock(block, []byte(password))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt legacy PEM block: %w", err)
	}
	logger.Debug("Decrypted legacy encrypted PEM private key (%s)", block.Headers["DEK-Info"])

	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: plain}), nil
}
