package encrypt

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moyoez/courseupload/types"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func encryptBytes(t *testing.T, payload []byte) ([]byte, *types.EncryptionMaterial) {
	t.Helper()
	var out bytes.Buffer
	material, n, err := Encrypt(context.Background(), bytes.NewReader(payload), int64(len(payload)), &out, nil)
	require.NoError(t, err)
	require.Equal(t, int64(out.Len()), n)
	return out.Bytes(), material
}

func TestRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 4096, WindowSize - 1, WindowSize, WindowSize + 1, 2*WindowSize + WindowSize/2}
	for _, size := range sizes {
		payload := randomBytes(t, size)
		ciphertext, material := encryptBytes(t, payload)
		assert.Equal(t, CiphertextSize(int64(size)), int64(len(ciphertext)), "size %d", size)

		var plain bytes.Buffer
		n, err := Decrypt(context.Background(), bytes.NewReader(ciphertext), &plain, material.Key, material.IV)
		require.NoError(t, err, "size %d", size)
		assert.Equal(t, int64(size), n)
		assert.True(t, bytes.Equal(payload, plain.Bytes()), "size %d", size)
	}
}

func TestDecryptWithOtherIVFails(t *testing.T) {
	payload := randomBytes(t, WindowSize+100)
	ciphertext, material := encryptBytes(t, payload)

	otherIV := bytes.Clone(material.IV)
	otherIV[0] ^= 0x01
	_, err := Decrypt(context.Background(), bytes.NewReader(ciphertext), &bytes.Buffer{}, material.Key, otherIV)
	assert.ErrorIs(t, err, ErrAuthentication)

	other, err := GenerateKey()
	require.NoError(t, err)
	_, err = Decrypt(context.Background(), bytes.NewReader(ciphertext), &bytes.Buffer{}, other.Key, material.IV)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestDecryptDetectsTruncationAndReorder(t *testing.T) {
	payload := randomBytes(t, 3*WindowSize)
	ciphertext, material := encryptBytes(t, payload)
	window := WindowSize + TagSize

	truncated := ciphertext[:2*window]
	_, err := Decrypt(context.Background(), bytes.NewReader(truncated), &bytes.Buffer{}, material.Key, material.IV)
	assert.ErrorIs(t, err, ErrAuthentication)

	swapped := make([]byte, 0, len(ciphertext))
	swapped = append(swapped, ciphertext[window:2*window]...)
	swapped = append(swapped, ciphertext[:window]...)
	swapped = append(swapped, ciphertext[2*window:]...)
	_, err = Decrypt(context.Background(), bytes.NewReader(swapped), &bytes.Buffer{}, material.Key, material.IV)
	assert.ErrorIs(t, err, ErrAuthentication)

	_, err = Decrypt(context.Background(), bytes.NewReader(nil), &bytes.Buffer{}, material.Key, material.IV)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestGenerateKeyIsFresh(t *testing.T) {
	a, err := GenerateKey()
	require.NoError(t, err)
	b, err := GenerateKey()
	require.NoError(t, err)
	assert.Equal(t, types.AlgorithmAES256GCM, a.Algorithm)
	assert.Len(t, a.Key, 32)
	assert.Len(t, a.IV, 12)
	assert.Equal(t, 12, a.IVLength)
	assert.NotEqual(t, a.Key, b.Key)
	assert.NotEqual(t, a.IV, b.IV)
}

func TestProgressReachesHundred(t *testing.T) {
	payload := randomBytes(t, 3*WindowSize+10)
	var seen []float64
	_, _, err := Encrypt(context.Background(), bytes.NewReader(payload), int64(len(payload)), &bytes.Buffer{}, func(p float64) {
		seen = append(seen, p)
	})
	require.NoError(t, err)
	require.Len(t, seen, 4)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1])
	}
	assert.Equal(t, float64(100), seen[len(seen)-1])
}

func TestUnsupportedMaterial(t *testing.T) {
	_, err := EncryptWith(context.Background(), &types.EncryptionMaterial{Algorithm: "AES-128-CBC"}, bytes.NewReader(nil), 0, &bytes.Buffer{}, nil)
	assert.ErrorIs(t, err, ErrUnsupported)

	short := &types.EncryptionMaterial{Algorithm: types.AlgorithmAES256GCM, Key: make([]byte, 16), IV: make([]byte, 12)}
	_, err = EncryptWith(context.Background(), short, bytes.NewReader(nil), 0, &bytes.Buffer{}, nil)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestEncryptShortSourceFails(t *testing.T) {
	_, _, err := Encrypt(context.Background(), bytes.NewReader([]byte("abc")), 10, &bytes.Buffer{}, nil)
	assert.Error(t, err)
}

func TestEncryptFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "lecture.mp4")
	payload := randomBytes(t, WindowSize+333)
	require.NoError(t, os.WriteFile(src, payload, 0o644))

	dst := filepath.Join(dir, "spool", "abc.enc")
	material, n, err := EncryptFile(context.Background(), src, dst, nil)
	require.NoError(t, err)
	assert.Equal(t, CiphertextSize(int64(len(payload))), n)

	f, err := os.Open(dst)
	require.NoError(t, err)
	defer f.Close()
	var plain bytes.Buffer
	_, err = Decrypt(context.Background(), f, &plain, material.Key, material.IV)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, plain.Bytes()))

	entries, err := os.ReadDir(filepath.Join(dir, "spool"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestEncryptFileCancelled(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.bin")
	require.NoError(t, os.WriteFile(src, randomBytes(t, 10), 0o644))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := EncryptFile(ctx, src, filepath.Join(dir, "out", "a.enc"), nil)
	assert.ErrorIs(t, err, context.Canceled)
	entries, _ := os.ReadDir(filepath.Join(dir, "out"))
	assert.Empty(t, entries)
}
