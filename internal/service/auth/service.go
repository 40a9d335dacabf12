package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
	"github.com/zhouzirui/z-relay/backend/internal/model/user"
)

var (
	ErrUserExists         = errors.New("email already registered")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrInvalidPassword    = errors.New("password must be between 1 and 72 bytes")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// Options configures a Service. An empty Secret generates a random signing
// key, so tokens do not survive a restart.
type Options struct {
	Secret     string
	TokenTTL   time.Duration
	BcryptCost int
	Now        func() time.Time
}

// Service registers users, issues HS256 access tokens and keeps each user's
// chat history in memory.
type Service struct {
	mu    sync.RWMutex
	users map[string]*user.User

	key    []byte
	signer jose.Signer
	ttl    time.Duration
	cost   int
	now    func() time.Time
}

// New returns an empty user registry.
func New(opts Options) (*Service, error) {
	var key []byte
	if opts.Secret == "" {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, pkgerrors.Wrap(err, "generate signing key")
		}
		log.Warn().Str("component", "auth").Msg("JWT_SECRET not set, using an ephemeral signing key")
	} else {
		sum := sha256.Sum256([]byte(opts.Secret))
		key = sum[:]
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "create token signer")
	}

	svc := &Service{
		users:  make(map[string]*user.User),
		key:    key,
		signer: signer,
		ttl:    opts.TokenTTL,
		cost:   opts.BcryptCost,
		now:    opts.Now,
	}
	if svc.ttl <= 0 {
		svc.ttl = time.Hour
	}
	if svc.cost == 0 {
		svc.cost = bcrypt.DefaultCost
	}
	if svc.now == nil {
		svc.now = func() time.Time { return time.Now().UTC() }
	}
	return svc, nil
}

// Register stores a new account for email.
func (s *Service) Register(_ context.Context, email, password string) error {
	email = normalizeEmail(email)
	if !govalidator.IsEmail(email) {
		return ErrInvalidEmail
	}
	if password == "" {
		return ErrInvalidPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return ErrInvalidPassword
	}
	if err != nil {
		return pkgerrors.Wrap(err, "hash password")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[email]; ok {
		return ErrUserExists
	}
	s.users[email] = &user.User{
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    s.now(),
	}
	log.Info().Str("component", "auth").Str("email", email).Msg("user registered")
	return nil
}

// Login checks the password and returns a signed access token.
func (s *Service) Login(_ context.Context, email, password string) (string, error) {
	email = normalizeEmail(email)

	s.mu.RLock()
	u, ok := s.users[email]
	var hash []byte
	if ok {
		hash = u.PasswordHash
	}
	s.mu.RUnlock()

	if !ok {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	now := s.now()
	claims := jwt.Claims{
		Subject:  email,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(s.ttl)),
	}
	token, err := jwt.Signed(s.signer).Claims(claims).Serialize()
	if err != nil {
		return "", pkgerrors.Wrap(err, "sign token")
	}
	return token, nil
}

// Verify validates token and returns the email it was issued to.
func (s *Service) Verify(_ context.Context, token string) (string, error) {
	parsed, err := jwt.ParseSigned(strings.TrimSpace(token), []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return "", ErrInvalidToken
	}

	var claims jwt.Claims
	if err := parsed.Claims(s.key, &claims); err != nil {
		return "", ErrInvalidToken
	}
	if err := claims.ValidateWithLeeway(jwt.Expected{Time: s.now()}, 0); err != nil {
		return "", ErrInvalidToken
	}

	s.mu.RLock()
	_, ok := s.users[claims.Subject]
	s.mu.RUnlock()
	if !ok {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// AppendHistory records a transcript snapshot in the user's history.
func (s *Service) AppendHistory(email string, transcript []chat.Message) error {
	snapshot := append([]chat.Message(nil), transcript...)

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[normalizeEmail(email)]
	if !ok {
		return ErrUserNotFound
	}
	u.History = append(u.History, snapshot)
	return nil
}

// History returns a copy of every snapshot recorded for email.
func (s *Service) History(email string) ([][]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[normalizeEmail(email)]
	if !ok {
		return nil, ErrUserNotFound
	}
	history := make([][]chat.Message, len(u.History))
	for i, snapshot := range u.History {
		history[i] = append([]chat.Message(nil), snapshot...)
	}
	return history, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
