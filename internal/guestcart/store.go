package guestcart

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mobishop/api/internal/domain"
)

// DefaultKey is the well-known storage key holding the guest cart.
const DefaultKey = "guestCart"

// ErrProductRequired is returned when a line is added without a product id.
var ErrProductRequired = errors.New("guestcart: product id is required")

// Store manages the anonymous cart as an ordered list of lines persisted in a Storage.
// Reads never fail: absent or malformed content is an empty cart.
type Store struct {
	storage Storage
	key     string
	logger  *zap.Logger

	mu sync.Mutex
}

// Option customises a Store.
type Option func(*Store)

// WithKey overrides the storage key.
func WithKey(key string) Option {
	return func(s *Store) {
		if key = strings.TrimSpace(key); key != "" {
			s.key = key
		}
	}
}

// WithLogger sets the logger used to report discarded storage content.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore constructs a Store over the provided storage.
func NewStore(storage Storage, opts ...Option) *Store {
	store := &Store{
		storage: storage,
		key:     DefaultKey,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

// Read returns the current guest cart.
func (s *Store) Read() []domain.CartLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// Add increments the line matching (productID, variation) or appends a new one.
// Quantities below one are treated as one.
func (s *Store) Add(productID string, quantity int, variation domain.Variation) ([]domain.CartLine, error) {
	productID = strings.TrimSpace(productID)
	s.mu.Lock()
	defer s.mu.Unlock()

	lines := s.read()
	if productID == "" {
		return lines, ErrProductRequired
	}
	if quantity < 1 {
		quantity = 1
	}

	key := domain.LineKey(productID, variation)
	found := false
	for i := range lines {
		if lines[i].Key() == key {
			lines[i].Quantity += quantity
			found = true
			break
		}
	}
	if !found {
		lines = append(lines, domain.CartLine{
			ProductID: productID,
			Quantity:  quantity,
			Variation: variation.Clone(),
		})
	}
	return lines, s.write(lines)
}

// UpdateQuantity sets the quantity of the first line matching lineKey, which is either a raw
// product id or a composite domain.LineKey. The quantity is stored as given.
func (s *Store) UpdateQuantity(lineKey string, quantity int) ([]domain.CartLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines := s.read()
	i := slices.IndexFunc(lines, func(line domain.CartLine) bool {
		return matchesLineKey(line, lineKey)
	})
	if i < 0 {
		return lines, nil
	}
	lines[i].Quantity = quantity
	return lines, s.write(lines)
}

// Remove drops every line matching lineKey (raw product id or composite key).
func (s *Store) Remove(lineKey string) ([]domain.CartLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines := s.read()
	kept := lines[:0:0]
	for _, line := range lines {
		if !matchesLineKey(line, lineKey) {
			kept = append(kept, line)
		}
	}
	if len(kept) == len(lines) {
		return lines, nil
	}
	return kept, s.write(kept)
}

// Clear deletes the stored cart. Clearing an absent cart is a no-op.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.storage.Delete(s.key); err != nil {
		return fmt.Errorf("guestcart: clear: %w", err)
	}
	return nil
}

// Count returns the sum of quantities across all lines.
func (s *Store) Count() int {
	total := 0
	for _, line := range s.Read() {
		total += line.Quantity
	}
	return total
}

func (s *Store) read() []domain.CartLine {
	if s.storage == nil {
		return []domain.CartLine{}
	}
	raw, ok, err := s.storage.Get(s.key)
	if err != nil {
		s.logger.Warn("guest cart storage unreadable; treating as empty", zap.String("key", s.key), zap.Error(err))
		return []domain.CartLine{}
	}
	if !ok {
		return []domain.CartLine{}
	}
	lines, err := decodeLines(raw)
	if err != nil {
		s.logger.Warn("guest cart content malformed; treating as empty", zap.String("key", s.key), zap.Error(err))
		return []domain.CartLine{}
	}
	return lines
}

func (s *Store) write(lines []domain.CartLine) error {
	if s.storage == nil {
		return errors.New("guestcart: storage is not configured")
	}
	if lines == nil {
		lines = []domain.CartLine{}
	}
	data, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("guestcart: encode: %w", err)
	}
	if err := s.storage.Set(s.key, string(data)); err != nil {
		return fmt.Errorf("guestcart: write: %w", err)
	}
	return nil
}

func matchesLineKey(line domain.CartLine, lineKey string) bool {
	return line.ProductID == lineKey || line.Key() == lineKey
}

type storedLine struct {
	ProductID json.RawMessage `json:"productId"`
	Quantity  json.RawMessage `json:"quantity"`
	Variation json.RawMessage `json:"variation"`
}

// decodeLines parses the stored JSON array. Any shape mismatch rejects the whole payload.
func decodeLines(raw string) ([]domain.CartLine, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "null" {
		return []domain.CartLine{}, nil
	}

	var stored []storedLine
	if err := json.Unmarshal([]byte(trimmed), &stored); err != nil {
		return nil, err
	}

	lines := make([]domain.CartLine, 0, len(stored))
	for i, entry := range stored {
		productID, err := decodeProductID(entry.ProductID)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i, err)
		}
		quantity, err := decodeQuantity(entry.Quantity)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i, err)
		}
		variation, err := decodeVariation(entry.Variation)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i, err)
		}
		lines = append(lines, domain.CartLine{
			ProductID: productID,
			Quantity:  quantity,
			Variation: variation,
		})
	}
	return lines, nil
}

// Product ids written by older clients may be numeric.
func decodeProductID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", errors.New("productId missing")
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if strings.TrimSpace(text) == "" {
			return "", errors.New("productId empty")
		}
		return text, nil
	}
	var number json.Number
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&number); err != nil {
		return "", fmt.Errorf("productId must be a string or number")
	}
	return number.String(), nil
}

func decodeQuantity(raw json.RawMessage) (int, error) {
	if len(raw) == 0 || raw[0] == '"' {
		return 0, errors.New("quantity must be a number")
	}
	var number json.Number
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&number); err != nil {
		return 0, errors.New("quantity must be a number")
	}
	value, err := number.Int64()
	if err != nil {
		return 0, errors.New("quantity must be an integer")
	}
	return int(value), nil
}

func decodeVariation(raw json.RawMessage) (domain.Variation, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] != '{' {
		return nil, errors.New("variation must be an object or null")
	}
	var variation domain.Variation
	if err := json.Unmarshal(trimmed, &variation); err != nil {
		return nil, fmt.Errorf("variation: %w", err)
	}
	if len(variation) == 0 {
		return nil, nil
	}
	return variation, nil
}
