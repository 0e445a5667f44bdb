package antigravity

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"
)

const (
	// SignatureCacheTTL bounds how long a cached signature stays usable.
	SignatureCacheTTL = 2 * time.Hour

	// MinSignatureLength rejects truncated signatures before they poison
	// the cache. Real backend signatures are far longer.
	MinSignatureLength = 50

	// MaxEntriesPerSurface caps each primary lookup surface.
	MaxEntriesPerSurface = 1000

	// MaxEntriesPerSession caps the legacy text-hash surface per session.
	MaxEntriesPerSession = 100

	// SignatureTextHashLen is the truncated digest length used as key.
	SignatureTextHashLen = 16
)

// SignatureEntry is one cached signature with its insertion time.
type SignatureEntry struct {
	Signature string
	Timestamp time.Time
}

// SignatureCache keeps thought signatures alive across turns after clients
// strip the non-standard fields. Four surfaces: tool call id, signature to
// model family, session to latest signature, and a legacy session plus
// text-hash map. Constructed once at process start and shared by reference.
type SignatureCache struct {
	mu sync.Mutex

	toolSignatures    map[string]SignatureEntry
	signatureFamilies map[string]familyEntry
	sessionLatest     map[string]SignatureEntry
	sessionByText     map[string]map[string]SignatureEntry

	// now is replaceable in tests to exercise TTL behavior.
	now func() time.Time
}

type familyEntry struct {
	Family    string
	Timestamp time.Time
}

func NewSignatureCache() *SignatureCache {
	return &SignatureCache{
		toolSignatures:    make(map[string]SignatureEntry),
		signatureFamilies: make(map[string]familyEntry),
		sessionLatest:     make(map[string]SignatureEntry),
		sessionByText:     make(map[string]map[string]SignatureEntry),
		now:               time.Now,
	}
}

// HasValidSignature reports whether a signature clears the length floor.
func HasValidSignature(signature string) bool {
	return len(signature) >= MinSignatureLength
}

func hashText(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])[:SignatureTextHashLen]
}

// CacheToolSignature records the signature seen on a tool call id.
func (c *SignatureCache) CacheToolSignature(toolID, signature string) {
	if toolID == "" || !HasValidSignature(signature) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	evictEntries(c.toolSignatures, MaxEntriesPerSurface, c.now())
	c.toolSignatures[toolID] = SignatureEntry{Signature: signature, Timestamp: c.now()}
}

// GetToolSignature returns the cached signature for a tool call id, deleting
// and missing expired entries.
func (c *SignatureCache) GetToolSignature(toolID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.toolSignatures[toolID]
	if !ok {
		return ""
	}
	if c.now().Sub(entry.Timestamp) > SignatureCacheTTL {
		delete(c.toolSignatures, toolID)
		return ""
	}
	return entry.Signature
}

// CacheSignatureFamily records which model family produced a signature, so a
// later turn against a different family can refuse to replay it.
func (c *SignatureCache) CacheSignatureFamily(signature, model string) {
	if !HasValidSignature(signature) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.signatureFamilies) >= MaxEntriesPerSurface {
		c.evictFamilies()
	}
	c.signatureFamilies[signature] = familyEntry{Family: ModelFamily(model), Timestamp: c.now()}
}

// GetSignatureFamily returns the model family recorded for a signature.
func (c *SignatureCache) GetSignatureFamily(signature string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.signatureFamilies[signature]
	if !ok {
		return ""
	}
	if c.now().Sub(entry.Timestamp) > SignatureCacheTTL {
		delete(c.signatureFamilies, signature)
		return ""
	}
	return entry.Family
}

// CacheSessionSignature stores the latest signature for a session. An
// existing entry is only replaced by a strictly longer signature; longer
// tends to mean more complete.
func (c *SignatureCache) CacheSessionSignature(sessionID, signature string) {
	if sessionID == "" || !HasValidSignature(signature) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.sessionLatest[sessionID]; ok &&
		c.now().Sub(existing.Timestamp) <= SignatureCacheTTL &&
		len(signature) <= len(existing.Signature) {
		return
	}
	evictEntries(c.sessionLatest, MaxEntriesPerSurface, c.now())
	c.sessionLatest[sessionID] = SignatureEntry{Signature: signature, Timestamp: c.now()}
}

// GetSessionSignature returns the latest signature recorded for a session.
func (c *SignatureCache) GetSessionSignature(sessionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.sessionLatest[sessionID]
	if !ok {
		return ""
	}
	if c.now().Sub(entry.Timestamp) > SignatureCacheTTL {
		delete(c.sessionLatest, sessionID)
		return ""
	}
	return entry.Signature
}

// CacheTextSignature stores a signature keyed by the exact thinking text,
// the legacy surface for clients that replay text without signatures.
func (c *SignatureCache) CacheTextSignature(sessionID, text, signature string) {
	if sessionID == "" || text == "" || !HasValidSignature(signature) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	session := c.sessionByText[sessionID]
	if session == nil {
		session = make(map[string]SignatureEntry)
		c.sessionByText[sessionID] = session
	}
	if len(session) >= MaxEntriesPerSession {
		evictOldestQuarter(session)
	}
	session[hashText(text)] = SignatureEntry{Signature: signature, Timestamp: c.now()}
}

// GetTextSignature returns the signature cached for this exact thinking text.
func (c *SignatureCache) GetTextSignature(sessionID, text string) string {
	if sessionID == "" || text == "" {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	session, ok := c.sessionByText[sessionID]
	if !ok {
		return ""
	}
	key := hashText(text)
	entry, ok := session[key]
	if !ok {
		return ""
	}
	if c.now().Sub(entry.Timestamp) > SignatureCacheTTL {
		delete(session, key)
		return ""
	}
	return entry.Signature
}

// ClearSession drops all surfaces' entries for one session id.
func (c *SignatureCache) ClearSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessionLatest, sessionID)
	delete(c.sessionByText, sessionID)
}

// Clear wipes every surface.
func (c *SignatureCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolSignatures = make(map[string]SignatureEntry)
	c.signatureFamilies = make(map[string]familyEntry)
	c.sessionLatest = make(map[string]SignatureEntry)
	c.sessionByText = make(map[string]map[string]SignatureEntry)
}

// evictEntries prunes expired entries first, then the oldest, until the map
// has room for one more.
func evictEntries(m map[string]SignatureEntry, limit int, now time.Time) {
	if len(m) < limit {
		return
	}
	for key, entry := range m {
		if now.Sub(entry.Timestamp) > SignatureCacheTTL {
			delete(m, key)
		}
	}
	for len(m) >= limit {
		oldestKey := ""
		var oldest time.Time
		for key, entry := range m {
			if oldestKey == "" || entry.Timestamp.Before(oldest) {
				oldestKey = key
				oldest = entry.Timestamp
			}
		}
		delete(m, oldestKey)
	}
}

func (c *SignatureCache) evictFamilies() {
	now := c.now()
	for key, entry := range c.signatureFamilies {
		if now.Sub(entry.Timestamp) > SignatureCacheTTL {
			delete(c.signatureFamilies, key)
		}
	}
	for len(c.signatureFamilies) >= MaxEntriesPerSurface {
		oldestKey := ""
		var oldest time.Time
		for key, entry := range c.signatureFamilies {
			if oldestKey == "" || entry.Timestamp.Before(oldest) {
				oldestKey = key
				oldest = entry.Timestamp
			}
		}
		delete(c.signatureFamilies, oldestKey)
	}
}

// evictOldestQuarter removes the oldest 25% of entries.
func evictOldestQuarter(m map[string]SignatureEntry) {
	type keyed struct {
		key string
		ts  time.Time
	}
	entries := make([]keyed, 0, len(m))
	for key, entry := range m {
		entries = append(entries, keyed{key, entry.Timestamp})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ts.Before(entries[j].ts) })
	drop := len(entries) / 4
	if drop == 0 {
		drop = 1
	}
	for _, e := range entries[:drop] {
		delete(m, e.key)
	}
}
