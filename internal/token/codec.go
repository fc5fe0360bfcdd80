// Package token mints and verifies the time-slotted check-in tokens carried in
// scannable codes: "v1|<eventId>|<userId>|<slot>|<sha256 hex>".
package token

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/example/attendance-verifier/internal/attendance"
)

// Version is the only wire format tag accepted by Verify.
const Version = "v1"

const (
	separator      = "|"
	fieldCount     = 5
	signatureChars = sha256.Size * 2
)

// Claims are the values bound together by a token signature.
type Claims struct {
	EventID string
	UserID  string
	Slot    int64
}

// Sign returns the hex SHA-256 of "v1|eventId|userId|slot|secret".
func Sign(eventID, userID, secret string, slot int64) string {
	payload := strings.Join([]string{Version, eventID, userID, strconv.FormatInt(slot, 10), secret}, separator)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Mint encodes a signed token. The same inputs always produce the same token.
func Mint(eventID, userID, secret string, slot int64) (string, error) {
	if err := checkField("event id", eventID); err != nil {
		return "", err
	}
	if err := checkField("user id", userID); err != nil {
		return "", err
	}
	signature := Sign(eventID, userID, secret, slot)
	return strings.Join([]string{Version, eventID, userID, strconv.FormatInt(slot, 10), signature}, separator), nil
}

// Verify checks the structure and signature of token. Freshness is left to the caller.
func Verify(secret, token string) (Claims, error) {
	parts := strings.Split(token, separator)
	if len(parts) != fieldCount {
		return Claims{}, fmt.Errorf("%w: expected %d fields, got %d", attendance.ErrInvalidToken, fieldCount, len(parts))
	}
	if parts[0] != Version {
		return Claims{}, fmt.Errorf("%w: unsupported version %q", attendance.ErrInvalidToken, parts[0])
	}
	eventID, userID, rawSlot, signature := parts[1], parts[2], parts[3], parts[4]
	if eventID == "" || userID == "" {
		return Claims{}, fmt.Errorf("%w: empty identity field", attendance.ErrInvalidToken)
	}
	slot, err := strconv.ParseInt(rawSlot, 10, 64)
	if err != nil || strconv.FormatInt(slot, 10) != rawSlot {
		return Claims{}, fmt.Errorf("%w: slot %q is not numeric", attendance.ErrInvalidToken, rawSlot)
	}

	// Only the full lowercase hex digest matches; truncated or re-cased digests are refused.
	if len(signature) != signatureChars {
		return Claims{}, fmt.Errorf("%w: signature length %d", attendance.ErrInvalidToken, len(signature))
	}
	expected := Sign(eventID, userID, secret, slot)
	if subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) != 1 {
		return Claims{}, fmt.Errorf("%w: signature mismatch", attendance.ErrInvalidToken)
	}
	return Claims{EventID: eventID, UserID: userID, Slot: slot}, nil
}

func checkField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", attendance.ErrInvalidToken, name)
	}
	if strings.Contains(value, separator) {
		return fmt.Errorf("%w: %s must not contain %q", attendance.ErrInvalidToken, name, separator)
	}
	return nil
}

// SecretResolver returns the signing secret of an event.
type SecretResolver func(eventID string) (string, error)

// Codec binds a secret to a slot period and a freshness policy.
type Codec struct {
	secret      string
	secrets     SecretResolver
	period      time.Duration
	maxAgeSlots int64
	now         func() time.Time
}

// Options configure a Codec. Zero values fall back to 45s periods and two slots of age.
// When Secrets is set, tokens are signed and verified with the secret of the
// event they name instead of the fixed secret.
type Options struct {
	Period      time.Duration
	MaxAgeSlots int64
	Now         func() time.Time
	Secrets     SecretResolver
}

// NewCodec returns a Codec for secret.
func NewCodec(secret string, opts Options) *Codec {
	if opts.Period <= 0 {
		opts.Period = 45 * time.Second
	}
	if opts.MaxAgeSlots <= 0 {
		opts.MaxAgeSlots = 2
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Codec{secret: secret, secrets: opts.Secrets, period: opts.Period, maxAgeSlots: opts.MaxAgeSlots, now: opts.Now}
}

func (c *Codec) secretFor(eventID string) (string, error) {
	if c.secrets == nil {
		return c.secret, nil
	}
	secret, err := c.secrets(eventID)
	if err != nil {
		return "", fmt.Errorf("%w: no secret for event %q: %v", attendance.ErrInvalidToken, eventID, err)
	}
	return secret, nil
}

// claimedEventID returns the event field of a well-formed v1 token, or "".
func claimedEventID(tok string) string {
	parts := strings.Split(tok, separator)
	if len(parts) != fieldCount || parts[0] != Version {
		return ""
	}
	return parts[1]
}

// Period returns the slot width.
func (c *Codec) Period() time.Duration {
	return c.period
}

// SlotAt returns floor(t / period) in Unix time.
func (c *Codec) SlotAt(t time.Time) int64 {
	return floorDiv(t.UnixMilli(), c.period.Milliseconds())
}

// CurrentSlot returns the slot for the codec clock.
func (c *Codec) CurrentSlot() int64 {
	return c.SlotAt(c.now())
}

// Issued is a token minted for the current slot.
type Issued struct {
	Token     string
	Slot      int64
	RotatesAt time.Time
}

// Issue mints a token for the current slot and reports when the holder should regenerate it.
func (c *Codec) Issue(eventID, userID string) (Issued, error) {
	slot := c.CurrentSlot()
	secret, err := c.secretFor(eventID)
	if err != nil {
		return Issued{}, err
	}
	tok, err := Mint(eventID, userID, secret, slot)
	if err != nil {
		return Issued{}, err
	}
	rotatesAt := time.UnixMilli((slot + 1) * c.period.Milliseconds()).UTC()
	return Issued{Token: tok, Slot: slot, RotatesAt: rotatesAt}, nil
}

// VerifyFresh verifies token and rejects slots drifted by MaxAgeSlots or more
// in either direction. Which event the token belongs to is left to the caller.
func (c *Codec) VerifyFresh(tok string) (Claims, error) {
	secret := c.secret
	if eventID := claimedEventID(tok); eventID != "" {
		resolved, err := c.secretFor(eventID)
		if err != nil {
			return Claims{}, err
		}
		secret = resolved
	}
	claims, err := Verify(secret, tok)
	if err != nil {
		return Claims{}, err
	}
	drift := c.CurrentSlot() - claims.Slot
	if drift < 0 {
		drift = -drift
	}
	if drift >= c.maxAgeSlots {
		return claims, fmt.Errorf("%w: slot %d drifted %d slots", attendance.ErrStaleToken, claims.Slot, drift)
	}
	return claims, nil
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
