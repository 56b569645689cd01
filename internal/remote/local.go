package remote

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Document is one two-segment node of the tree, e.g. chats/{chatId}, as stored by
// a Backend.
type Document struct {
	Collection string
	Key        string
	Data       []byte
}

// Backend persists documents for a LocalStore.
type Backend interface {
	LoadAll(ctx context.Context) ([]Document, error)
	SaveDocument(ctx context.Context, doc Document) error
	DeleteDocument(ctx context.Context, collection, key string) error
}

// LocalStore is a realtime JSON tree implementing Store. Subscribers get the
// current value on subscribe and then every distinct value in write order.
type LocalStore struct {
	mu      sync.Mutex
	root    any
	subs    map[Handle]*subscription
	next    Handle
	closed  bool
	backend Backend
	logger  zerolog.Logger

	keyMu   sync.Mutex
	entropy *ulid.MonotonicEntropy
}

type change struct {
	segs  []string
	value any
}

type docKey struct {
	collection string
	key        string
}

func NewLocalStore(logger zerolog.Logger) *LocalStore {
	return &LocalStore{
		subs:    make(map[Handle]*subscription),
		logger:  logger.With().Str("component", "remote").Logger(),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// OpenLocalStore loads every document from backend and persists later writes to it.
func OpenLocalStore(ctx context.Context, backend Backend, logger zerolog.Logger) (*LocalStore, error) {
	s := NewLocalStore(logger)
	s.backend = backend

	docs, err := backend.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load documents: %w", err)
	}
	for _, d := range docs {
		if !ValidKey(d.Collection) || !ValidKey(d.Key) {
			s.logger.Warn().Str("collection", d.Collection).Str("key", d.Key).Msg("skipping document with invalid key")
			continue
		}
		var v any
		if err := json.Unmarshal(d.Data, &v); err != nil {
			return nil, fmt.Errorf("failed to decode document %s/%s: %w", d.Collection, d.Key, err)
		}
		s.root = setIn(s.root, []string{d.Collection, d.Key}, v)
	}
	s.logger.Info().Int("documents", len(docs)).Msg("local store loaded")
	return s, nil
}

func (s *LocalStore) Subscribe(path string, onChange ChangeFunc) (Handle, error) {
	segs, err := Split(path)
	if err != nil {
		return 0, err
	}
	if onChange == nil {
		return 0, fmt.Errorf("nil change callback for %q", path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	s.next++
	h := s.next
	sub := newSubscription(segs, onChange)
	sub.last = getIn(s.root, segs)
	s.subs[h] = sub
	go sub.run()
	sub.enqueue(delivery{value: deepCopy(sub.last)})
	return h, nil
}

func (s *LocalStore) Unsubscribe(h Handle) {
	s.mu.Lock()
	sub, ok := s.subs[h]
	delete(s.subs, h)
	s.mu.Unlock()
	if ok {
		sub.cancel()
	}
}

func (s *LocalStore) ReadOnce(ctx context.Context, path string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	segs, err := Split(path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return deepCopy(getIn(s.root, segs)), nil
}

func (s *LocalStore) Write(ctx context.Context, path string, value any) error {
	segs, err := documentPath(path)
	if err != nil {
		return err
	}
	v, err := Encode(value)
	if err != nil {
		return err
	}
	return s.commit(ctx, []change{{segs: segs, value: v}})
}

func (s *LocalStore) Update(ctx context.Context, path string, partial map[string]any) error {
	var base []string
	if path != "" {
		var err error
		if base, err = Split(path); err != nil {
			return err
		}
	}

	keys := make([]string, 0, len(partial))
	for k := range partial {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	changes := make([]change, 0, len(keys))
	for _, k := range keys {
		rel, err := Split(k)
		if err != nil {
			return err
		}
		full := append(append([]string(nil), base...), rel...)
		if len(full) < 2 {
			return fmt.Errorf("%w: cannot overwrite collection %q", ErrInvalidPath, strings.Join(full, "/"))
		}
		v, err := Encode(partial[k])
		if err != nil {
			return err
		}
		changes = append(changes, change{segs: full, value: v})
	}
	if len(changes) == 0 {
		return nil
	}
	return s.commit(ctx, changes)
}

func (s *LocalStore) Push(ctx context.Context, path string, value any) (string, error) {
	segs, err := Split(path)
	if err != nil {
		return "", err
	}
	v, err := Encode(value)
	if err != nil {
		return "", err
	}
	key := s.newKey()
	if err := s.commit(ctx, []change{{segs: append(segs, key), value: v}}); err != nil {
		return "", err
	}
	return key, nil
}

func (s *LocalStore) Remove(ctx context.Context, path string) error {
	segs, err := documentPath(path)
	if err != nil {
		return err
	}
	return s.commit(ctx, []change{{segs: segs}})
}

// Close ends every subscription with ErrClosed and rejects further calls.
func (s *LocalStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for h, sub := range s.subs {
		sub.enqueue(delivery{err: ErrClosed})
		delete(s.subs, h)
	}
}

func (s *LocalStore) newKey() string {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *LocalStore) commit(ctx context.Context, changes []change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	next := s.root
	for _, c := range changes {
		next = setIn(next, c.segs, c.value)
	}

	if s.backend != nil {
		if err := s.persist(ctx, s.root, next, changes); err != nil {
			return err
		}
	}

	s.root = next
	s.notify(changes)
	return nil
}

// persist writes every document touched by changes. On failure it restores the
// documents it already wrote.
func (s *LocalStore) persist(ctx context.Context, prev, next any, changes []change) error {
	var written []docKey
	for _, d := range touchedDocs(changes) {
		before := getIn(prev, []string{d.collection, d.key})
		after := getIn(next, []string{d.collection, d.key})
		if reflect.DeepEqual(before, after) {
			continue
		}
		if err := s.saveDoc(ctx, d, after); err != nil {
			for _, w := range written {
				if rerr := s.saveDoc(ctx, w, getIn(prev, []string{w.collection, w.key})); rerr != nil {
					s.logger.Error().Err(rerr).Str("document", w.collection+"/"+w.key).Msg("failed to restore document")
				}
			}
			return fmt.Errorf("failed to persist %s/%s: %w", d.collection, d.key, err)
		}
		written = append(written, d)
	}
	return nil
}

func (s *LocalStore) saveDoc(ctx context.Context, d docKey, value any) error {
	if value == nil {
		return s.backend.DeleteDocument(ctx, d.collection, d.key)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.backend.SaveDocument(ctx, Document{Collection: d.collection, Key: d.key, Data: data})
}

func (s *LocalStore) notify(changes []change) {
	for _, sub := range s.subs {
		if !sub.touchedBy(changes) {
			continue
		}
		value := getIn(s.root, sub.segs)
		if reflect.DeepEqual(value, sub.last) {
			continue
		}
		sub.last = value
		sub.enqueue(delivery{value: deepCopy(value)})
	}
}

func documentPath(path string) ([]string, error) {
	segs, err := Split(path)
	if err != nil {
		return nil, err
	}
	if len(segs) < 2 {
		return nil, fmt.Errorf("%w: cannot overwrite collection %q", ErrInvalidPath, path)
	}
	return segs, nil
}

func touchedDocs(changes []change) []docKey {
	seen := make(map[docKey]struct{}, len(changes))
	var out []docKey
	for _, c := range changes {
		d := docKey{collection: c.segs[0], key: c.segs[1]}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

// setIn returns a copy of node with value stored at segs. Maps along the path are
// copied; untouched subtrees are shared. Empty maps collapse to nil.
func setIn(node any, segs []string, value any) any {
	if len(segs) == 0 {
		if m, ok := value.(map[string]any); ok && len(m) == 0 {
			return nil
		}
		return value
	}
	m, _ := node.(map[string]any)
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	if child := setIn(m[segs[0]], segs[1:], value); child == nil {
		delete(out, segs[0])
	} else {
		out[segs[0]] = child
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func getIn(node any, segs []string) any {
	for _, s := range segs {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node = m[s]
	}
	return node
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, c := range t {
			out[k] = deepCopy(c)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, c := range t {
			out[i] = deepCopy(c)
		}
		return out
	default:
		return v
	}
}

type delivery struct {
	value any
	err   error
}

// subscription delivers values to its callback on its own goroutine, in the order
// they were enqueued, without ever blocking the writer.
type subscription struct {
	segs []string
	fn   ChangeFunc
	last any

	mu       sync.Mutex
	pending  []delivery
	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func newSubscription(segs []string, fn ChangeFunc) *subscription {
	return &subscription{
		segs: segs,
		fn:   fn,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
}

func (sub *subscription) touchedBy(changes []change) bool {
	for _, c := range changes {
		if isPrefix(sub.segs, c.segs) || isPrefix(c.segs, sub.segs) {
			return true
		}
	}
	return false
}

func (sub *subscription) enqueue(d delivery) {
	sub.mu.Lock()
	sub.pending = append(sub.pending, d)
	sub.mu.Unlock()
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *subscription) run() {
	for {
		select {
		case <-sub.stop:
			return
		case <-sub.wake:
		}
		for {
			sub.mu.Lock()
			if len(sub.pending) == 0 {
				sub.mu.Unlock()
				break
			}
			d := sub.pending[0]
			sub.pending[0] = delivery{}
			sub.pending = sub.pending[1:]
			sub.mu.Unlock()

			select {
			case <-sub.stop:
				return
			default:
			}
			sub.fn(d.value, d.err)
			if d.err != nil {
				return
			}
		}
	}
}

func (sub *subscription) cancel() {
	sub.stopOnce.Do(func() { close(sub.stop) })
}

func isPrefix(prefix, segs []string) bool {
	if len(prefix) > len(segs) {
		return false
	}
	for i := range prefix {
		if prefix[i] != segs[i] {
			return false
		}
	}
	return true
}
