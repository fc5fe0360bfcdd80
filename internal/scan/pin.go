package scan

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/argon2"
)

// PINDigits is the length of generated session PINs.
const PINDigits = 6

var (
	ErrInvalidPINHash         = errors.New("scan: invalid pin hash format")
	ErrIncompatiblePINVersion = errors.New("scan: incompatible pin hash version")
	ErrPINMismatch            = errors.New("scan: pin mismatch")
)

// GeneratePIN returns a uniformly random numeric PIN.
func GeneratePIN() (string, error) {
	limit := big.NewInt(1)
	for i := 0; i < PINDigits; i++ {
		limit.Mul(limit, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("scan: generate pin: %w", err)
	}
	return fmt.Sprintf("%0*d", PINDigits, n.Int64()), nil
}

// HashParams tune the argon2id hash kept for the live PIN.
type HashParams struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultHashParams suit a PIN that lives for minutes and is checked rarely.
var DefaultHashParams = HashParams{
	Memory:      19 * 1024,
	Iterations:  2,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashPIN encodes pin as $argon2id$v=..$m=..,t=..,p=..$salt$hash.
func HashPIN(pin string, params HashParams) (string, error) {
	salt := make([]byte, params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(pin), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLength)

	format := "$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s"
	return fmt.Sprintf(format, argon2.Version, params.Memory, params.Iterations, params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// CheckPIN compares pin with an encoded hash from HashPIN.
func CheckPIN(encoded, pin string) error {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return ErrInvalidPINHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return ErrInvalidPINHash
	}
	if version != argon2.Version {
		return ErrIncompatiblePINVersion
	}

	var params HashParams
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.Memory, &params.Iterations, &params.Parallelism); err != nil {
		return ErrInvalidPINHash
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return ErrInvalidPINHash
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return ErrInvalidPINHash
	}

	got := argon2.IDKey([]byte(pin), salt, params.Iterations, params.Memory, params.Parallelism, uint32(len(want)))
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return ErrPINMismatch
	}
	return nil
}
