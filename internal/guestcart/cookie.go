package guestcart

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
)

const defaultCookieMaxAge = 30 * 24 * time.Hour

// ErrInvalidCookieConfig is returned when the cookie codec cannot be constructed.
var ErrInvalidCookieConfig = errors.New("guestcart: invalid cookie configuration")

// CookieConfig configures the signed cookie that carries a guest cart for browsers that
// talk to the API directly.
type CookieConfig struct {
	HashKey  []byte
	BlockKey []byte
	Path     string
	Domain   string
	Secure   bool
	MaxAge   time.Duration
	SameSite http.SameSite
}

// CookieCodec signs (and optionally encrypts) guest cart values into cookies.
type CookieCodec struct {
	cfg   CookieConfig
	codec *securecookie.SecureCookie
}

// NewCookieCodec validates cfg and builds the codec.
func NewCookieCodec(cfg CookieConfig) (*CookieCodec, error) {
	if len(cfg.HashKey) == 0 {
		return nil, fmt.Errorf("%w: hash key is required", ErrInvalidCookieConfig)
	}
	switch len(cfg.BlockKey) {
	case 0, 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: block key must be 16, 24 or 32 bytes", ErrInvalidCookieConfig)
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultCookieMaxAge
	}
	if cfg.SameSite == http.SameSiteDefaultMode {
		cfg.SameSite = http.SameSiteLaxMode
	}

	codec := securecookie.New(cfg.HashKey, cfg.BlockKey)
	codec.SetSerializer(securecookie.JSONEncoder{})
	codec.MaxAge(int(cfg.MaxAge.Seconds()))

	return &CookieCodec{cfg: cfg, codec: codec}, nil
}

// Bind returns a Storage reading from r and writing Set-Cookie headers to w.
func (c *CookieCodec) Bind(w http.ResponseWriter, r *http.Request) *CookieStorage {
	return &CookieStorage{codec: c, w: w, r: r, pending: make(map[string]*string)}
}

// CookieStorage exposes request cookies as a Storage. Writes are emitted immediately and
// remembered so later reads within the same request observe them.
type CookieStorage struct {
	codec   *CookieCodec
	w       http.ResponseWriter
	r       *http.Request
	pending map[string]*string
}

// Get implements Storage. Cookies that fail verification are reported as errors so the
// store treats them as an empty cart.
func (s *CookieStorage) Get(key string) (string, bool, error) {
	if value, ok := s.pending[key]; ok {
		if value == nil {
			return "", false, nil
		}
		return *value, true, nil
	}
	if s.r == nil {
		return "", false, nil
	}
	cookie, err := s.r.Cookie(key)
	if err != nil {
		return "", false, nil
	}
	var value string
	if err := s.codec.codec.Decode(key, cookie.Value, &value); err != nil {
		return "", false, fmt.Errorf("decode guest cart cookie: %w", err)
	}
	return value, true, nil
}

// Set implements Storage.
func (s *CookieStorage) Set(key, value string) error {
	encoded, err := s.codec.codec.Encode(key, value)
	if err != nil {
		return fmt.Errorf("encode guest cart cookie: %w", err)
	}
	if s.w != nil {
		http.SetCookie(s.w, &http.Cookie{
			Name:     key,
			Value:    encoded,
			Path:     s.codec.cfg.Path,
			Domain:   s.codec.cfg.Domain,
			Secure:   s.codec.cfg.Secure,
			HttpOnly: true,
			SameSite: s.codec.cfg.SameSite,
			MaxAge:   int(s.codec.cfg.MaxAge.Seconds()),
		})
	}
	stored := value
	s.pending[key] = &stored
	return nil
}

// Delete implements Storage.
func (s *CookieStorage) Delete(key string) error {
	if s.w != nil {
		http.SetCookie(s.w, &http.Cookie{
			Name:     key,
			Value:    "",
			Path:     s.codec.cfg.Path,
			Domain:   s.codec.cfg.Domain,
			Secure:   s.codec.cfg.Secure,
			HttpOnly: true,
			SameSite: s.codec.cfg.SameSite,
			MaxAge:   -1,
			Expires:  time.Unix(0, 0),
		})
	}
	s.pending[key] = nil
	return nil
}
