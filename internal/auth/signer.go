// Package auth signs outgoing hub payloads with the node's Ethereum key.
package auth

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// Signer produces EIP-191 personal_sign signatures
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    string
}

// NewSigner parses a hex private key, with or without 0x prefix
func NewSigner(privateKeyHex string) (*Signer, error) {
	privateKeyHex = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))

	privateKeyBytes, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}

	privateKey, err := crypto.ToECDSA(privateKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	publicKeyECDSA, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("failed to get public key")
	}

	return &Signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKeyECDSA).Hex(),
	}, nil
}

// LoadSigner builds a signer from an inline key or, if empty, a key file.
// It returns nil when neither is set.
func LoadSigner(privateKeyHex, keyFile string) (*Signer, error) {
	if privateKeyHex == "" && keyFile != "" {
		raw, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key file: %w", err)
		}
		privateKeyHex = string(raw)
	}
	if strings.TrimSpace(privateKeyHex) == "" {
		return nil, nil
	}
	return NewSigner(privateKeyHex)
}

// Address returns the checksummed wallet address
func (s *Signer) Address() string {
	return s.address
}

// Sign signs payload with the Ethereum signed message prefix and returns a 0x-prefixed hex signature
func (s *Signer) Sign(payload []byte) (string, error) {
	signature, err := crypto.Sign(messageHash(payload), s.privateKey)
	if err != nil {
		return "", err
	}

	// v in {27, 28}
	if signature[64] < 27 {
		signature[64] += 27
	}

	return "0x" + hex.EncodeToString(signature), nil
}

// RecoverAddress returns the address that produced signature over payload
func RecoverAddress(payload []byte, signature string) (string, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("invalid signature length %d", len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(messageHash(payload), sig)
	if err != nil {
		return "", fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

func messageHash(payload []byte) []byte {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(payload), payload)
	return crypto.Keccak256Hash([]byte(prefixed)).Bytes()
}
