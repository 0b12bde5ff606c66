package kv

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and single-node dev runs.
// TTLs are enforced lazily on read.
type MemoryStore struct {
	mu      sync.Mutex
	strings map[string]memVal
	hashes  map[string]map[string]string
	lists   map[string][]string
	sets    map[string]map[string]struct{}
	zsets   map[string]map[string]float64
	expiry  map[string]time.Time

	subMu sync.Mutex
	subs  []*memSub
}

type memVal struct {
	value string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings: make(map[string]memVal),
		hashes:  make(map[string]map[string]string),
		lists:   make(map[string][]string),
		sets:    make(map[string]map[string]struct{}),
		zsets:   make(map[string]map[string]float64),
		expiry:  make(map[string]time.Time),
	}
}

func (m *MemoryStore) expired(key string) bool {
	if t, ok := m.expiry[key]; ok && time.Now().After(t) {
		delete(m.strings, key)
		delete(m.hashes, key)
		delete(m.lists, key)
		delete(m.sets, key)
		delete(m.zsets, key)
		delete(m.expiry, key)
		return true
	}
	return false
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return "", false, nil
	}
	v, ok := m.strings[key]
	return v.value, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = memVal{value: value}
	if ttl > 0 {
		m.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
	return nil
}

func (m *MemoryStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.strings, key)
		delete(m.hashes, key)
		delete(m.lists, key)
		delete(m.sets, key)
		delete(m.zsets, key)
		delete(m.expiry, key)
	}
	return nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return false, nil
	}
	if _, ok := m.strings[key]; ok {
		return true, nil
	}
	if _, ok := m.hashes[key]; ok {
		return true, nil
	}
	if _, ok := m.lists[key]; ok {
		return true, nil
	}
	if _, ok := m.sets[key]; ok {
		return true, nil
	}
	_, ok := m.zsets[key]
	return ok, nil
}

func (m *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) HSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (m *MemoryStore) HGet(_ context.Context, key, field string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return "", false, nil
	}
	v, ok := m.hashes[key][field]
	return v, ok, nil
}

func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiry[key] = time.Now().Add(ttl)
	return nil
}

func (m *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.expiry[key]
	if !ok {
		return -1, nil
	}
	return time.Until(t), nil
}

func (m *MemoryStore) RPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], values...)
	return nil
}

func (m *MemoryStore) LPop(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return "", false, nil
	}
	l := m.lists[key]
	if len(l) == 0 {
		return "", false, nil
	}
	v := l[0]
	if len(l) == 1 {
		delete(m.lists, key)
	} else {
		m.lists[key] = l[1:]
	}
	return v, true, nil
}

func (m *MemoryStore) LRem(_ context.Context, key string, count int64, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	out := l[:0]
	removed := int64(0)
	for _, v := range l {
		if v == value && (count == 0 || removed < count) {
			removed++
			continue
		}
		out = append(out, v)
	}
	m.lists[key] = out
	return nil
}

func (m *MemoryStore) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return nil, nil
	}
	l := m.lists[key]
	n := int64(len(l))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return nil, nil
	}
	out := make([]string, 0, stop-start+1)
	out = append(out, l[start:stop+1]...)
	return out, nil
}

func (m *MemoryStore) LLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[key])), nil
}

func (m *MemoryStore) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	for _, member := range members {
		s[member] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, member := range members {
		delete(m.sets[key], member)
	}
	return nil
}

func (m *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return nil, nil
	}
	out := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		out = append(out, member)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	z[member] = score
	return nil
}

func parseScore(s string, def float64) float64 {
	switch s {
	case "-inf":
		return -1 << 62
	case "+inf":
		return 1 << 62
	case "":
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimPrefix(s, "("), 64)
	if err != nil {
		return def
	}
	return f
}

func (m *MemoryStore) ZRangeByScore(_ context.Context, key string, min, max string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return nil, nil
	}
	lo, hi := parseScore(min, -1<<62), parseScore(max, 1<<62)
	type pair struct {
		member string
		score  float64
	}
	var pairs []pair
	for member, score := range m.zsets[key] {
		if score >= lo && score <= hi {
			pairs = append(pairs, pair{member, score})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score < pairs[j].score })
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.member
	}
	return out, nil
}

func (m *MemoryStore) ZRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, member := range members {
		delete(m.zsets[key], member)
	}
	return nil
}

func (m *MemoryStore) ZRemRangeByScore(_ context.Context, key string, min, max string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lo, hi := parseScore(min, -1<<62), parseScore(max, 1<<62)
	for member, score := range m.zsets[key] {
		if score >= lo && score <= hi {
			delete(m.zsets[key], member)
		}
	}
	return nil
}

func (m *MemoryStore) Publish(_ context.Context, channel, payload string) (int64, error) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	var delivered int64
	for _, s := range m.subs {
		if s.matches(channel) {
			select {
			case s.msgs <- Message{Channel: channel, Pattern: s.patternFor(channel), Payload: payload}:
			default:
			}
			delivered++
		}
	}
	return delivered, nil
}

func (m *MemoryStore) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	return m.addSub(channels, nil), nil
}

func (m *MemoryStore) PSubscribe(_ context.Context, patterns ...string) (Subscription, error) {
	return m.addSub(nil, patterns), nil
}

func (m *MemoryStore) addSub(channels, patterns []string) *memSub {
	s := &memSub{
		store:    m,
		channels: channels,
		patterns: patterns,
		msgs:     make(chan Message, 64),
	}
	m.subMu.Lock()
	m.subs = append(m.subs, s)
	m.subMu.Unlock()
	return s
}

func (m *MemoryStore) RateCheck(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UnixMilli()
	cutoff := float64(now) - float64(window.Milliseconds())
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	for member, score := range z {
		if score <= cutoff {
			delete(z, member)
		}
	}
	if len(z) >= limit {
		return false, nil
	}
	z[strconv.FormatInt(now, 10)+":"+strconv.Itoa(len(z))] = float64(now)
	m.expiry[key] = time.Now().Add(window)
	return true, nil
}

func (m *MemoryStore) Claim(_ context.Context, key, ownerField, owner, heartbeatField string,
	staleAfter, ttl time.Duration, fields map[string]string) (ClaimStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired(key)
	status := ClaimAcquired
	if h, ok := m.hashes[key]; ok {
		if current, held := h[ownerField]; held && current != owner {
			hb, _ := strconv.ParseInt(h[heartbeatField], 10, 64)
			if time.Now().UnixMilli()-hb < staleAfter.Milliseconds() {
				return ClaimDenied, nil
			}
			status = ClaimStolen
		}
	}
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	m.expiry[key] = time.Now().Add(ttl)
	return status, nil
}

func (m *MemoryStore) Close() error { return nil }

type memSub struct {
	store    *MemoryStore
	channels []string
	patterns []string
	msgs     chan Message
	closed   bool
}

func (s *memSub) matches(channel string) bool {
	for _, c := range s.channels {
		if c == channel {
			return true
		}
	}
	for _, p := range s.patterns {
		if patternMatch(p, channel) {
			return true
		}
	}
	return false
}

func (s *memSub) patternFor(channel string) string {
	for _, p := range s.patterns {
		if patternMatch(p, channel) {
			return p
		}
	}
	return ""
}

// patternMatch supports the trailing-star glob form used by the progress
// fabric (e.g. "progress:*").
func patternMatch(pattern, channel string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(channel, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == channel
}

func (s *memSub) Messages() <-chan Message { return s.msgs }

func (s *memSub) Close() error {
	s.store.subMu.Lock()
	defer s.store.subMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for i, sub := range s.store.subs {
		if sub == s {
			s.store.subs = append(s.store.subs[:i], s.store.subs[i+1:]...)
			break
		}
	}
	close(s.msgs)
	return nil
}
