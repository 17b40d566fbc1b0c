package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"

	"github.com/google/uuid"
)

// computeAdmissionProof derives the admission proof for a client_id under
// an access secret: AES-CBC(key=secret, iv=zero, padding=none) applied to
// the 16 raw client_id bytes, one block (spec §4.2, §6).
//
// This is a one-block MAC-like construct, not a general-purpose MAC: the
// zero IV is safe only because every plaintext block is exactly 16 bytes
// (AES's block size) and is never repeated for a given secret. Keys must
// not be reused across clients (spec §9).
func computeAdmissionProof(secret []byte, clientID uuid.UUID) ([16]byte, error) {
	var out [16]byte
	block, err := aes.NewCipher(secret)
	if err != nil {
		return out, err
	}
	iv := make([]byte, block.BlockSize())
	plain := clientID // [16]byte, exactly one AES block
	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(out[:], plain[:])
	return out, nil
}

// verifyAdmissionProof reports whether encrypted equals the admission
// proof for (clientID, secret). Comparison is constant-time.
func verifyAdmissionProof(secret []byte, clientID uuid.UUID, encrypted [16]byte) (bool, error) {
	expected, err := computeAdmissionProof(secret, clientID)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(expected[:], encrypted[:]) == 1, nil
}
