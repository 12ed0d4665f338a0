package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fanscale/fanscale-backend/internal/cache"
	pkgerrors "github.com/fanscale/fanscale-backend/internal/pkg/errors"
	"github.com/fanscale/fanscale-backend/internal/rules"
)

// fakeRulesRepo is an in-memory stand-in for the persistence gateway.
type fakeRulesRepo struct {
	mu       sync.Mutex
	records  map[rules.RuleType]map[string][]byte
	versions map[rules.RuleType]int64
	audit    []rules.AuditEntry

	failLoad       bool
	failSave       bool
	failAuditRange bool

	saveCalls int
	loadCalls map[rules.RuleType]int
}

func newFakeRulesRepo() *fakeRulesRepo {
	return &fakeRulesRepo{
		records:   make(map[rules.RuleType]map[string][]byte),
		versions:  make(map[rules.RuleType]int64),
		loadCalls: make(map[rules.RuleType]int),
	}
}

func (f *fakeRulesRepo) LoadRuleSet(ctx context.Context, t rules.RuleType) (rules.RuleSet, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadCalls[t]++
	if f.failLoad {
		return nil, 0, fmt.Errorf("%w: fake store down", pkgerrors.ErrDependencyUnavailable)
	}
	items, ok := f.records[t]
	if !ok || len(items) == 0 {
		return nil, 0, fmt.Errorf("%w: no active %s records", pkgerrors.ErrNotFound, t)
	}
	set, err := rules.EmptyRuleSet(t)
	if err != nil {
		return nil, 0, err
	}
	for key, payload := range items {
		if err := set.UnmarshalItem(key, payload); err != nil {
			return nil, 0, err
		}
	}
	return set, f.versions[t], nil
}

func (f *fakeRulesRepo) SaveRuleSet(ctx context.Context, set rules.RuleSet, version int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveCalls++
	if f.failSave {
		return fmt.Errorf("%w: fake store down", pkgerrors.ErrDependencyUnavailable)
	}
	items := make(map[string][]byte)
	for _, key := range set.Keys() {
		payload, err := set.MarshalItem(key)
		if err != nil {
			return err
		}
		items[key] = payload
	}
	f.records[set.Type()] = items
	f.versions[set.Type()] = version
	return nil
}

func (f *fakeRulesRepo) AppendAudit(ctx context.Context, entry rules.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audit = append(f.audit, entry)
	return nil
}

func (f *fakeRulesRepo) AuditRange(ctx context.Context, start, end time.Time) ([]rules.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAuditRange {
		return nil, fmt.Errorf("%w: fake store down", pkgerrors.ErrDependencyUnavailable)
	}
	var out []rules.AuditEntry
	for _, e := range f.audit {
		if !e.Timestamp.Before(start) && !e.Timestamp.After(end) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (f *fakeRulesRepo) auditEntries() []rules.AuditEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rules.AuditEntry(nil), f.audit...)
}

func (f *fakeRulesRepo) snapshotBytes(t rules.RuleType) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for k, v := range f.records[t] {
		out[k] = string(v)
	}
	return out
}

// fakeCache is an in-memory stand-in for the distributed cache, including
// its pub/sub channel and list primitive.
type fakeCache struct {
	mu    sync.Mutex
	kv    map[string][]byte
	lists map[string][][]byte
	subs  []*fakeSubscription

	failGet       bool
	failPublish   bool
	dropPublishes bool
	failSetKey    string

	published []cache.Message
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		kv:    make(map[string][]byte),
		lists: make(map[string][][]byte),
	}
}

type fakeSubscription struct {
	topics map[string]bool
	ch     chan cache.Message
	closed bool
	mu     sync.Mutex
}

func (s *fakeSubscription) Messages() <-chan cache.Message { return s.ch }

func (s *fakeSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

func (s *fakeSubscription) deliver(msg cache.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.topics[msg.Topic] {
		return
	}
	select {
	case s.ch <- msg:
	default:
	}
}

func (f *fakeCache) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet {
		return nil, fmt.Errorf("%w: fake cache down", pkgerrors.ErrDependencyUnavailable)
	}
	val, ok := f.kv[key]
	if !ok {
		return nil, pkgerrors.ErrCacheMiss
	}
	return val, nil
}

func (f *fakeCache) SetWithTTL(ctx context.Context, key string, ttl time.Duration, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSetKey != "" && f.failSetKey == key {
		return fmt.Errorf("%w: fake cache write refused", pkgerrors.ErrDependencyUnavailable)
	}
	f.kv[key] = append([]byte(nil), value...)
	return nil
}

func (f *fakeCache) Delete(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.kv, k)
	}
	return nil
}

func (f *fakeCache) KeysMatching(ctx context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var keys []string
	for k := range f.kv {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (f *fakeCache) Publish(ctx context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	if f.failPublish {
		f.mu.Unlock()
		return fmt.Errorf("%w: fake cache down", pkgerrors.ErrDependencyUnavailable)
	}
	msg := cache.Message{Topic: topic, Payload: append([]byte(nil), payload...)}
	f.published = append(f.published, msg)
	if f.dropPublishes {
		f.mu.Unlock()
		return nil
	}
	subs := append([]*fakeSubscription(nil), f.subs...)
	f.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(msg)
	}
	return nil
}

func (f *fakeCache) Subscribe(ctx context.Context, topics ...string) (cache.Subscription, error) {
	sub := &fakeSubscription{
		topics: make(map[string]bool, len(topics)),
		ch:     make(chan cache.Message, 64),
	}
	for _, t := range topics {
		sub.topics[t] = true
	}
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.mu.Unlock()
	return sub, nil
}

func (f *fakeCache) Push(ctx context.Context, key string, values ...[]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		f.lists[key] = append([][]byte{append([]byte(nil), v...)}, f.lists[key]...)
	}
	return nil
}

func (f *fakeCache) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.lists[key]
	if start < 0 {
		start = 0
	}
	if stop < 0 || stop >= int64(len(list)) {
		stop = int64(len(list)) - 1
	}
	var out [][]byte
	for i := start; i <= stop && i < int64(len(list)); i++ {
		out = append(out, list[i])
	}
	return out, nil
}

func (f *fakeCache) Expire(ctx context.Context, key string, ttl time.Duration) error { return nil }

func (f *fakeCache) Close() error {
	f.mu.Lock()
	subs := append([]*fakeSubscription(nil), f.subs...)
	f.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

func (f *fakeCache) lastPublished(topic string) (cache.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.published) - 1; i >= 0; i-- {
		if f.published[i].Topic == topic {
			return f.published[i], true
		}
	}
	return cache.Message{}, false
}

func (f *fakeCache) setFailGet(v bool) {
	f.mu.Lock()
	f.failGet = v
	f.mu.Unlock()
}

func (f *fakeCache) setDropPublishes(v bool) {
	f.mu.Lock()
	f.dropPublishes = v
	f.mu.Unlock()
}

func (f *fakeCache) hasKey(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.kv[key]
	return ok
}
