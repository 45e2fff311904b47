package auth

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/netra-systems/zen-sub342/internal/model"
)

// ConnectionLookup is the read side of the connection registry the guard needs.
type ConnectionLookup interface {
	Get(connectionID string) (*model.Connection, bool)
	Users() []string
}

// Operation describes what a caller wants to do to which connections.
type Operation struct {
	Name          string
	ConnectionIDs []string
}

// identityKeys are payload fields that name a tenant. They survive
// sanitization only when they name the recipient.
var identityKeys = map[string]struct{}{
	"user_id":        {},
	"userId":         {},
	"owner_id":       {},
	"ownerId":        {},
	"tenant_id":      {},
	"tenantId":       {},
	"account_id":     {},
	"accountId":      {},
	"target_user_id": {},
	"targetUserId":   {},
}

// Guard enforces per-user isolation across the WebSocket boundary.
type Guard struct {
	conns      ConnectionLookup
	logger     *slog.Logger
	violations atomic.Int64
}

// NewGuard creates a Guard backed by the given connection lookup.
func NewGuard(conns ConnectionLookup, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		conns:  conns,
		logger: logger.With("component", "isolation_guard"),
	}
}

// ValidateIsolation returns true only if userID owns every connection the
// operation targets. A connection that no longer exists fails the check
// quietly; one owned by somebody else is logged as a security event.
func (g *Guard) ValidateIsolation(userID string, op Operation) bool {
	if userID == "" || len(op.ConnectionIDs) == 0 {
		return false
	}

	for _, id := range op.ConnectionIDs {
		conn, ok := g.conns.Get(id)
		if !ok {
			g.logger.Debug("isolation check on unknown connection",
				"operation", op.Name,
				"connection_id", id,
			)
			return false
		}
		if !conn.Owns(userID) {
			g.violations.Add(1)
			g.logger.Warn("isolation violation rejected",
				"security", true,
				"operation", op.Name,
				"claimed_user", userID,
				"connection_id", id,
			)
			return false
		}
	}
	return true
}

// Violations returns the number of rejected cross-tenant attempts.
func (g *Guard) Violations() int64 {
	return g.violations.Load()
}

// SanitizeForUser returns a deep copy of payload with every reference to
// another tenant removed. Identity fields are kept only when they name
// targetUserID. Any key or string value that mentions another tenant as a
// whole word is dropped. Other tenants are the connected users plus every
// user named by an identity field of the payload, so an offline owner is
// covered too. The input is never modified.
func (g *Guard) SanitizeForUser(payload map[string]any, targetUserID string) map[string]any {
	if payload == nil {
		return nil
	}

	s := newSanitizer(targetUserID)
	for _, userID := range g.conns.Users() {
		s.addForeign(userID)
	}
	s.collectOwners(payload)
	return s.object(payload)
}

// sanitizer strips references to foreign tenants. IDs made only of word
// characters are matched by token lookup; the rest by bounded search.
type sanitizer struct {
	target string
	words  map[string]struct{}
	others []string
}

func newSanitizer(target string) *sanitizer {
	return &sanitizer{target: target, words: make(map[string]struct{})}
}

func (s *sanitizer) addForeign(userID string) {
	if userID == "" || userID == s.target {
		return
	}
	if isWord(userID) {
		s.words[userID] = struct{}{}
		return
	}
	for _, o := range s.others {
		if o == userID {
			return
		}
	}
	s.others = append(s.others, userID)
}

// collectOwners registers every identity value found in v.
func (s *sanitizer) collectOwners(v any) {
	switch val := v.(type) {
	case map[string]any:
		for key, item := range val {
			if _, isIdentity := identityKeys[key]; isIdentity {
				if id, ok := item.(string); ok {
					s.addForeign(id)
				}
				continue
			}
			s.collectOwners(item)
		}
	case []any:
		for _, item := range val {
			s.collectOwners(item)
		}
	}
}

func (s *sanitizer) mentionsForeign(v string) bool {
	if len(s.words) > 0 {
		start := -1
		for i := 0; i <= len(v); i++ {
			if i < len(v) && isWordByte(v[i]) {
				if start < 0 {
					start = i
				}
				continue
			}
			if start >= 0 {
				if _, ok := s.words[v[start:i]]; ok {
					return true
				}
				start = -1
			}
		}
	}
	for _, id := range s.others {
		if containsWord(v, id) {
			return true
		}
	}
	return false
}

// isWordByte reports whether b can continue an identifier. Bytes of
// multi-byte runes count as word bytes.
func isWordByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case b == '-' || b == '_' || b >= 0x80:
		return true
	}
	return false
}

func isWord(v string) bool {
	for i := 0; i < len(v); i++ {
		if !isWordByte(v[i]) {
			return false
		}
	}
	return true
}

// containsWord reports whether id occurs in v with no word byte on either side.
func containsWord(v, id string) bool {
	for off := 0; off <= len(v)-len(id); {
		i := strings.Index(v[off:], id)
		if i < 0 {
			return false
		}
		i += off
		end := i + len(id)
		if (i == 0 || !isWordByte(v[i-1])) && (end == len(v) || !isWordByte(v[end])) {
			return true
		}
		off = i + 1
	}
	return false
}

func (s *sanitizer) object(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		if s.mentionsForeign(key) {
			continue
		}
		if _, isIdentity := identityKeys[key]; isIdentity {
			if id, ok := value.(string); ok && id == s.target {
				out[key] = id
			}
			continue
		}
		if clean, keep := s.value(value); keep {
			out[key] = clean
		}
	}
	return out
}

func (s *sanitizer) value(v any) (any, bool) {
	switch val := v.(type) {
	case nil, bool, float64, float32, int, int32, int64, uint, uint32, uint64:
		return val, true
	case string:
		return val, !s.mentionsForeign(val)
	case map[string]any:
		return s.object(val), true
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			if clean, keep := s.value(item); keep {
				out = append(out, clean)
			}
		}
		return out, true
	default:
		// Typed values are normalized through JSON so nested fields get the same treatment.
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, false
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, false
		}
		return s.value(generic)
	}
}
