// Package encrypt implements client-side AES-256-GCM encryption of upload payloads.
//
// A payload is sealed under one key/IV pair in windows of WindowSize plaintext bytes.
// Window i uses the IV with the big-endian value i XORed into its last eight bytes as
// nonce, and carries one byte of additional data marking whether it is the final window,
// so truncated or reordered ciphertext fails authentication.
package encrypt

import (
	"bufio"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/moyoez/courseupload/types"
)

const (
	WindowSize = 1 << 20
	TagSize    = 16
)

var (
	ErrUnsupported    = errors.New("encryption unsupported")
	ErrAuthentication = errors.New("ciphertext authentication failed")
)

var (
	aadMiddle = []byte{0}
	aadFinal  = []byte{1}
)

// GenerateKey returns fresh random key material for one file.
func GenerateKey() (*types.EncryptionMaterial, error) {
	key := make([]byte, types.AES256KeyLength)
	iv := make([]byte, types.GCMIVLength)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("%w: read key: %v", ErrUnsupported, err)
	}
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("%w: read iv: %v", ErrUnsupported, err)
	}
	return &types.EncryptionMaterial{
		Algorithm: types.AlgorithmAES256GCM,
		Key:       key,
		IV:        iv,
		IVLength:  types.GCMIVLength,
	}, nil
}

// CiphertextSize is the exact number of bytes Encrypt writes for plainSize input bytes.
func CiphertextSize(plainSize int64) int64 {
	return plainSize + windowCount(plainSize)*TagSize
}

func windowCount(plainSize int64) int64 {
	if plainSize <= 0 {
		return 1
	}
	return (plainSize + WindowSize - 1) / WindowSize
}

// Encrypt reads exactly size bytes from src, writes the ciphertext to dst and returns the
// material it generated along with the number of bytes written.
func Encrypt(ctx context.Context, src io.Reader, size int64, dst io.Writer, onProgress func(percent float64)) (*types.EncryptionMaterial, int64, error) {
	material, err := GenerateKey()
	if err != nil {
		return nil, 0, err
	}
	n, err := EncryptWith(ctx, material, src, size, dst, onProgress)
	if err != nil {
		return nil, n, err
	}
	return material, n, nil
}

// EncryptWith is Encrypt with caller-supplied material.
func EncryptWith(ctx context.Context, material *types.EncryptionMaterial, src io.Reader, size int64, dst io.Writer, onProgress func(percent float64)) (int64, error) {
	if size < 0 {
		return 0, fmt.Errorf("invalid payload size %d", size)
	}
	aead, err := newAEAD(material)
	if err != nil {
		return 0, err
	}
	windows := windowCount(size)
	plain := make([]byte, WindowSize)
	sealed := make([]byte, 0, WindowSize+TagSize)
	var written, consumed int64
	for i := int64(0); i < windows; i++ {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		chunk := int64(WindowSize)
		if remaining := size - consumed; remaining < chunk {
			chunk = remaining
		}
		if _, err := io.ReadFull(src, plain[:chunk]); err != nil {
			return written, fmt.Errorf("read window %d: %w", i, err)
		}
		consumed += chunk
		aad := aadMiddle
		if i == windows-1 {
			aad = aadFinal
		}
		sealed = aead.Seal(sealed[:0], windowNonce(material.IV, uint64(i)), plain[:chunk], aad)
		nw, err := dst.Write(sealed)
		written += int64(nw)
		if err != nil {
			return written, fmt.Errorf("write window %d: %w", i, err)
		}
		if onProgress != nil {
			if i == windows-1 {
				onProgress(100)
			} else {
				onProgress(float64(consumed) / float64(size) * 100)
			}
		}
	}
	return written, nil
}

// Decrypt authenticates and decrypts a payload produced by Encrypt. Any key or IV other
// than the one used for encryption yields ErrAuthentication.
func Decrypt(ctx context.Context, src io.Reader, dst io.Writer, key, iv []byte) (int64, error) {
	material := &types.EncryptionMaterial{
		Algorithm: types.AlgorithmAES256GCM,
		Key:       key,
		IV:        iv,
		IVLength:  len(iv),
	}
	aead, err := newAEAD(material)
	if err != nil {
		return 0, err
	}
	br := bufio.NewReaderSize(src, WindowSize+TagSize)
	buf := make([]byte, WindowSize+TagSize)
	plain := make([]byte, 0, WindowSize)
	var written int64
	for i := uint64(0); ; i++ {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, err := io.ReadFull(br, buf)
		final := false
		switch {
		case err == nil:
			if _, peekErr := br.Peek(1); peekErr == io.EOF {
				final = true
			} else if peekErr != nil {
				return written, peekErr
			}
		case errors.Is(err, io.ErrUnexpectedEOF):
			final = true
		case errors.Is(err, io.EOF):
			// a valid payload always ends with a final window
			return written, fmt.Errorf("%w: missing final window", ErrAuthentication)
		default:
			return written, err
		}
		if n < TagSize {
			return written, fmt.Errorf("%w: short window %d", ErrAuthentication, i)
		}
		aad := aadMiddle
		if final {
			aad = aadFinal
		}
		plain, err = aead.Open(plain[:0], windowNonce(iv, i), buf[:n], aad)
		if err != nil {
			return written, fmt.Errorf("%w: window %d", ErrAuthentication, i)
		}
		nw, err := dst.Write(plain)
		written += int64(nw)
		if err != nil {
			return written, err
		}
		if final {
			return written, nil
		}
	}
}

func newAEAD(material *types.EncryptionMaterial) (cipher.AEAD, error) {
	if material == nil {
		return nil, fmt.Errorf("%w: nil material", ErrUnsupported)
	}
	if material.Algorithm != types.AlgorithmAES256GCM {
		return nil, fmt.Errorf("%w: algorithm %q", ErrUnsupported, material.Algorithm)
	}
	if len(material.Key) != types.AES256KeyLength {
		return nil, fmt.Errorf("%w: key length %d", ErrUnsupported, len(material.Key))
	}
	if len(material.IV) != types.GCMIVLength {
		return nil, fmt.Errorf("%w: iv length %d", ErrUnsupported, len(material.IV))
	}
	block, err := aes.NewCipher(material.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	return aead, nil
}

func windowNonce(iv []byte, index uint64) []byte {
	nonce := make([]byte, len(iv))
	copy(nonce, iv)
	off := len(nonce) - 8
	for i := 0; i < 8; i++ {
		nonce[off+i] ^= byte(index >> (56 - 8*i))
	}
	return nonce
}
