package gateway

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// The server identity is one PEM file in the data dir holding the Ed25519
// seed; both keys derive from it. Agents receive the public key in the
// welcome frame and verify command signatures against it.
const (
	identityFile    = "identity.pem"
	identityPEMType = "WARDEN ED25519 IDENTITY"
)

// ServerKeys holds the server's Ed25519 key pair used to sign action
// commands so agents can verify provenance.
type ServerKeys struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// LoadOrGenerate loads the server identity from dataDir, generating and
// saving a fresh one on first run.
func LoadOrGenerate(dataDir string) (*ServerKeys, error) {
	path := filepath.Join(dataDir, identityFile)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return keysFromIdentity(data)
	case os.IsNotExist(err):
		return generateIdentity(path)
	default:
		return nil, fmt.Errorf("read identity: %w", err)
	}
}

func keysFromIdentity(data []byte) (*ServerKeys, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != identityPEMType {
		return nil, fmt.Errorf("identity file does not hold a %s block", identityPEMType)
	}
	if len(block.Bytes) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity seed is %d bytes, want %d", len(block.Bytes), ed25519.SeedSize)
	}

	priv := ed25519.NewKeyFromSeed(block.Bytes)
	return &ServerKeys{
		PrivateKey: priv,
		PublicKey:  priv.Public().(ed25519.PublicKey),
	}, nil
}

func generateIdentity(path string) (*ServerKeys, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}

	bundle := pem.EncodeToMemory(&pem.Block{Type: identityPEMType, Bytes: priv.Seed()})
	if err := os.WriteFile(path, bundle, 0o600); err != nil {
		return nil, fmt.Errorf("save identity: %w", err)
	}
	return &ServerKeys{PrivateKey: priv, PublicKey: pub}, nil
}

// PublicKeyBase64 returns the standard base64 encoding of the public key.
func (k *ServerKeys) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(k.PublicKey)
}

// Sign signs msg with the server private key and returns the signature.
func (k *ServerKeys) Sign(msg []byte) []byte {
	return ed25519.Sign(k.PrivateKey, msg)
}

// canonicalCommand builds the deterministic signing payload for a command.
func canonicalCommand(cmd *SignedCommand) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s:%s:%s",
		cmd.JobID, cmd.AgentID, cmd.ActionID, cmd.IssuedAt, string(cmd.Args)))
}

// SignCommand stamps the signature onto cmd.
func (k *ServerKeys) SignCommand(cmd *SignedCommand) {
	cmd.Signature = base64.StdEncoding.EncodeToString(k.Sign(canonicalCommand(cmd)))
}

// VerifyCommandSignature verifies that a SignedCommand was signed by the
// key behind publicKeyBase64. Agents use this to trust commands.
func VerifyCommandSignature(publicKeyBase64 string, cmd *SignedCommand) bool {
	pubBytes, err := base64.StdEncoding.DecodeString(publicKeyBase64)
	if err != nil || len(pubBytes) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(cmd.Signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubBytes), canonicalCommand(cmd), sig)
}
