package types

const (
	AlgorithmAES256GCM = "AES-256-GCM"
	GCMIVLength        = 12
	AES256KeyLength    = 32
)

// EncryptionMaterial carries everything needed to decrypt an uploaded payload.
// It is never written to the session store.
type EncryptionMaterial struct {
	Algorithm string
	Key       []byte
	IV        []byte
	IVLength  int
}

// EncryptionInfo is the registration view of EncryptionMaterial: the key is left out,
// the IV is passed through unmodified.
type EncryptionInfo struct {
	Algorithm string `json:"algorithm"`
	IV        string `json:"iv"` // base64 (std) of the exact IV bytes
	IVLength  int    `json:"ivLength"`
}
