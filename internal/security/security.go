package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

const (
	keyIterations = 100_000
	keyLength     = 32
)

var (
	ErrDecrypt      = errors.New("decryption failed")
	ErrInvalidToken = errors.New("invalid or expired token")

	emailPattern    = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	unsafeCharacter = regexp.MustCompile(`[<>&'"()]`)
)

// Manager holds the derived encryption key and the JWT signing secret.
type Manager struct {
	aead      cipher.AEAD
	jwtSecret []byte
	now       func() time.Time
}

func NewManager(secretKey, salt string) (*Manager, error) {
	if secretKey == "" || salt == "" {
		return nil, errors.New("secret key and salt are required")
	}

	key := pbkdf2.Key([]byte(secretKey), []byte(salt), keyIterations, keyLength, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	return &Manager{
		aead:      aead,
		jwtSecret: []byte(secretKey),
		now:       time.Now,
	}, nil
}

// Encrypt seals plain with a fresh nonce and returns URL-safe base64 of nonce||ciphertext.
func (m *Manager) Encrypt(plain string) (string, error) {
	nonce := make([]byte, m.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := m.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

func (m *Manager) Decrypt(token string) (string, error) {
	data, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return "", ErrDecrypt
	}

	nonceSize := m.aead.NonceSize()
	if len(data) < nonceSize {
		return "", ErrDecrypt
	}

	plain, err := m.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

func (m *Manager) HashSecret(secret string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(hashed), nil
}

func (m *Manager) VerifySecret(secret, hashed string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(secret)) == nil
}

type sessionClaims struct {
	UserID int64 `json:"user_id"`
	jwt.RegisteredClaims
}

// GenerateSessionToken issues an HS256 token identifying the Telegram user for ttl.
func (m *Manager) GenerateSessionToken(telegramID int64, ttl time.Duration) (string, error) {
	now := m.now()
	claims := sessionClaims{
		UserID: telegramID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(telegramID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// ValidateSessionToken returns the Telegram user id carried by a valid token.
func (m *Manager) ValidateSessionToken(token string) (int64, error) {
	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return m.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !parsed.Valid {
		return 0, ErrInvalidToken
	}
	return claims.UserID, nil
}

// GenerateSecureToken returns n random bytes hex-encoded.
func (m *Manager) GenerateSecureToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func SanitizeInput(s string) string {
	return unsafeCharacter.ReplaceAllString(s, "")
}

func ValidateEmail(email string) bool {
	return emailPattern.MatchString(email)
}

func ValidateIPAddress(ip string) bool {
	return net.ParseIP(ip) != nil
}
