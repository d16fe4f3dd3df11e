package tool

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/google/uuid"
)

func GenerateRandomUUID() string {
	return uuid.New().String()
}

// FileID derives the stable identity of a local file from its name and plaintext size.
// The same file always maps to the same resumable session.
func FileID(fileName string, size int64) string {
	sum := sha256.Sum256([]byte(fileName + "\x00" + strconv.FormatInt(size, 10)))
	return hex.EncodeToString(sum[:16])
}
