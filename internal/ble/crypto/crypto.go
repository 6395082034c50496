// Package crypto provides the cryptographic primitives of the Plejd mesh
// protocol: the per-node AES keystream that every GATT payload is XORed with,
// and the SHA-256 based response to the authentication challenge.
package crypto

import (
	"crypto/aes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MeshKey is the 16-byte site secret shared by every node of a mesh.
type MeshKey [16]byte

// NodeAddress is the BLE hardware address of a mesh node in wire order
// (the reverse of the textual colon-separated form).
type NodeAddress [6]byte

// ParseMeshKey decodes the cloud's key representation. The key is delivered
// in the dashed 8-4-4-4-12 layout; plain 32-digit hex is accepted as well.
func ParseMeshKey(s string) (MeshKey, error) {
	var key MeshKey
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return key, fmt.Errorf("ble/crypto: parse mesh key: %w", err)
	}
	copy(key[:], id[:])
	return key, nil
}

// String returns the key in the dashed layout used by the cloud API.
func (k MeshKey) String() string {
	return uuid.UUID(k).String()
}

// ParseNodeAddress converts a textual MAC ("AA:BB:CC:DD:EE:FF") into wire
// order.
func ParseNodeAddress(mac string) (NodeAddress, error) {
	var addr NodeAddress
	raw, err := hex.DecodeString(strings.ReplaceAll(mac, ":", ""))
	if err != nil {
		return addr, fmt.Errorf("ble/crypto: parse node address %q: %w", mac, err)
	}
	if len(raw) != len(addr) {
		return addr, fmt.Errorf("ble/crypto: node address %q must be 6 bytes, got %d", mac, len(raw))
	}
	for i := range raw {
		addr[i] = raw[len(raw)-1-i]
	}
	return addr, nil
}

// Keystream derives the 16-byte block used to encrypt all traffic while
// attached to node. The input block is node || node || node[:4], encrypted
// once with AES-128 (no IV, no chaining).
func Keystream(key MeshKey, node NodeAddress) [16]byte {
	var in, out [16]byte
	copy(in[0:6], node[:])
	copy(in[6:12], node[:])
	copy(in[12:16], node[:4])

	block, err := aes.NewCipher(key[:])
	if err != nil {
		// aes.NewCipher only fails on invalid key sizes.
		panic(fmt.Sprintf("ble/crypto: new cipher: %v", err))
	}
	block.Encrypt(out[:], in[:])
	return out
}

// XOR applies the keystream to data and returns a new slice. The transform is
// its own inverse, so it both encrypts outbound and decrypts inbound frames.
func XOR(ks [16]byte, data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ ks[i%len(ks)]
	}
	return out
}

// AuthResponse computes the answer to an authentication challenge:
// SHA-256(key XOR challenge) with the two digest halves folded together.
func AuthResponse(key MeshKey, challenge [16]byte) [16]byte {
	var mixed [16]byte
	for i := range mixed {
		mixed[i] = key[i] ^ challenge[i]
	}
	digest := sha256.Sum256(mixed[:])

	var resp [16]byte
	for i := range resp {
		resp[i] = digest[i] ^ digest[i+16]
	}
	return resp
}
