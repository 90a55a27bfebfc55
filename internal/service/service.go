// Package service is the read-side facade over the decrypted client
// databases. It owns the decryption engine, the shard handles, and the
// per-conversation checkpoints, and is the only package the daemon and
// CLI talk to.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/dailybot/wcbridge/internal/checkpoint"
	"github.com/dailybot/wcbridge/internal/decrypt"
	"github.com/dailybot/wcbridge/internal/store"
	"github.com/dailybot/wcbridge/internal/wcpath"
)

// ErrNoUsableShards is returned by Initialize when not a single message
// shard could be decrypted and opened.
var ErrNoUsableShards = errors.New("no usable message shards")

// Options configures a Service.
type Options struct {
	ContainerRoot string
	Key           decrypt.Key

	// PerTableLimit caps rows fetched per table per query. Zero selects
	// the store default.
	PerTableLimit int
}

// Service exposes contacts, groups and message history from a local
// client installation. All methods are safe for concurrent use.
type Service struct {
	engine *decrypt.Engine
	marks  *checkpoint.Store
	logger *zap.Logger
	opts   Options

	mu        sync.Mutex
	shards    []*store.Handle
	contactDB *store.Handle
	groupDB   *store.Handle
	contacts  []store.ContactRecord
	groups    []store.ContactRecord

	// tableConv maps hashed chat table names back to conversation ids.
	// The hash is one-way, so the reverse map is built from the contact
	// directory; tables for unknown conversations stay unmapped.
	tableConv map[string]string
}

// New creates an uninitialized Service. Call Initialize before any
// query method.
func New(engine *decrypt.Engine, marks *checkpoint.Store, logger *zap.Logger, opts Options) *Service {
	return &Service{
		engine:    engine,
		marks:     marks,
		logger:    logger,
		opts:      opts,
		tableConv: make(map[string]string),
	}
}

// Initialize locates the user data root, decrypts the contact and group
// databases it can find, opens every message shard, and builds the
// conversation directory. Missing or unusable directory databases and
// shards are logged and skipped; only a complete absence of usable
// shards is fatal.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	root, err := wcpath.FindUserDataRoot(s.opts.ContainerRoot)
	if err != nil {
		return fmt.Errorf("locate user data root: %w", err)
	}
	s.logger.Info("located user data root", zap.String("root", root))

	s.openContacts(ctx, root)
	s.openGroups(ctx, root)
	s.rebuildTableIndex()

	shardPaths := wcpath.MessageShards(root)
	for _, p := range shardPaths {
		h, err := s.openEncrypted(ctx, p)
		if err != nil {
			s.logger.Warn("skipping unusable message shard",
				zap.String("shard", p), zap.Error(err))
			continue
		}
		s.shards = append(s.shards, h)
	}
	if len(s.shards) == 0 {
		return fmt.Errorf("%w: tried %d", ErrNoUsableShards, len(shardPaths))
	}
	s.logger.Info("message shards opened",
		zap.Int("usable", len(s.shards)), zap.Int("found", len(shardPaths)))
	return nil
}

// openContacts loads the contact directory. Messages stay readable
// without it; conversations then keep their table names and group
// identity is lost until the directory becomes available.
func (s *Service) openContacts(ctx context.Context, root string) {
	path, ok := wcpath.FindDatabase(root, wcpath.ContactDBName)
	if !ok {
		s.logger.Warn("contact database not present", zap.String("root", root))
		return
	}
	h, err := s.openEncrypted(ctx, path)
	if err != nil {
		s.logger.Warn("contact database unusable", zap.Error(err))
		return
	}
	contacts, err := h.ListContacts(ctx)
	if err != nil {
		s.logger.Warn("failed to list contacts", zap.Error(err))
		h.Close()
		return
	}
	s.contactDB = h
	s.contacts = contacts
	s.logger.Info("contact directory loaded", zap.Int("contacts", len(contacts)))
}

// openGroups loads the dedicated group database. Some client versions
// do not ship it; groups then surface only through contact
// classification.
func (s *Service) openGroups(ctx context.Context, root string) {
	path, ok := wcpath.FindDatabase(root, wcpath.GroupDBName)
	if !ok {
		s.logger.Info("group database not present")
		return
	}
	h, err := s.openEncrypted(ctx, path)
	if err != nil {
		s.logger.Warn("group database unusable", zap.Error(err))
		return
	}
	groups, err := h.ListGroups(ctx)
	if err != nil {
		s.logger.Warn("failed to list groups", zap.Error(err))
		h.Close()
		return
	}
	s.groupDB = h
	s.groups = groups
}

func (s *Service) rebuildTableIndex() {
	for _, c := range s.contacts {
		s.tableConv[store.TableForConversation(c.UserID)] = c.UserID
	}
	for _, g := range s.groups {
		s.tableConv[store.TableForConversation(g.UserID)] = g.UserID
	}
}

func (s *Service) openEncrypted(ctx context.Context, path string) (*store.Handle, error) {
	plain, err := s.engine.Decrypt(ctx, path, s.opts.Key)
	if err != nil {
		return nil, err
	}
	return store.Open(plain)
}

// Contacts returns the cached contact directory.
func (s *Service) Contacts() []store.ContactRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.ContactRecord, len(s.contacts))
	copy(out, s.contacts)
	return out
}

// Groups returns group conversations, preferring the dedicated group
// database and falling back to group-classified contacts.
func (s *Service) Groups() []store.ContactRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.groups
	if len(src) == 0 {
		for _, c := range s.contacts {
			if c.Type == store.ContactGroup {
				src = append(src, c)
			}
		}
	}
	out := make([]store.ContactRecord, len(src))
	copy(out, src)
	return out
}

// MessagesForConversation returns messages for one conversation newer
// than since, ascending. A conversation with no table anywhere yields an
// empty slice, not an error.
func (s *Service) MessagesForConversation(ctx context.Context, conversation string, since int64, limit int) ([]store.MessageRecord, error) {
	s.mu.Lock()
	shards := s.shards
	s.mu.Unlock()

	table := store.TableForConversation(conversation)
	var out []store.MessageRecord
	for _, h := range shards {
		ok, err := h.HasTable(ctx, table)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		msgs, err := h.ExtractMessages(ctx, table, conversation, since, limit)
		if err != nil {
			return nil, err
		}
		out = append(out, msgs...)
	}
	sortMessages(out)
	if out == nil {
		out = []store.MessageRecord{}
	}
	return out, nil
}

// NewMessagesSince unions every chat table across every shard and
// returns messages newer than since in global ascending order. Tables
// whose schema drifted from the expected column set are skipped.
func (s *Service) NewMessagesSince(ctx context.Context, since int64) ([]store.MessageRecord, error) {
	s.mu.Lock()
	shards := s.shards
	s.mu.Unlock()

	var out []store.MessageRecord
	for _, h := range shards {
		tables, err := h.ChatTables(ctx)
		if err != nil {
			return nil, err
		}
		for _, table := range tables {
			msgs, err := s.extractTable(ctx, h, table, since)
			if err != nil {
				return nil, err
			}
			out = append(out, msgs...)
		}
	}
	sortMessages(out)
	return out, nil
}

// PollConversations extracts everything newer than each conversation's
// checkpoint, hands each batch to deliver, and advances the checkpoint
// only after deliver returns nil. Delivery is therefore at-least-once:
// a crash between deliver and advance repeats the batch on the next
// poll.
func (s *Service) PollConversations(ctx context.Context, deliver func(conversation string, batch []store.MessageRecord) error) (int, error) {
	s.mu.Lock()
	shards := s.shards
	s.mu.Unlock()

	total := 0
	for _, h := range shards {
		tables, err := h.ChatTables(ctx)
		if err != nil {
			return total, err
		}
		for _, table := range tables {
			key := s.checkpointKey(table)
			if key != table {
				// Marks recorded before the directory knew this
				// conversation live under the table name; carry them
				// over instead of replaying history.
				if err := s.marks.Rename(table, key); err != nil {
					return total, fmt.Errorf("migrate checkpoint %s: %w", key, err)
				}
			}
			msgs, err := s.extractTable(ctx, h, table, s.marks.Get(key))
			if err != nil {
				return total, err
			}
			if len(msgs) == 0 {
				continue
			}
			conv := s.conversationFor(table)
			if conv == "" {
				conv = table
			}
			if err := deliver(conv, msgs); err != nil {
				return total, fmt.Errorf("deliver %s: %w", conv, err)
			}
			if err := s.marks.Advance(key, msgs[len(msgs)-1].CreateTime); err != nil {
				return total, fmt.Errorf("advance checkpoint %s: %w", conv, err)
			}
			total += len(msgs)
		}
	}
	return total, nil
}

// extractTable reads one table, tolerating schema drift.
func (s *Service) extractTable(ctx context.Context, h *store.Handle, table string, since int64) ([]store.MessageRecord, error) {
	msgs, err := h.ExtractMessages(ctx, table, s.conversationFor(table), since, s.opts.PerTableLimit)
	if errors.Is(err, store.ErrSchemaMismatch) {
		s.logger.Warn("skipping table with unexpected schema",
			zap.String("table", table), zap.Error(err))
		return nil, nil
	}
	return msgs, err
}

func (s *Service) conversationFor(table string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tableConv[table]
}

// checkpointKey prefers the conversation id so checkpoints survive the
// directory learning a previously unknown conversation.
func (s *Service) checkpointKey(table string) string {
	if conv := s.conversationFor(table); conv != "" {
		return conv
	}
	return table
}

// Close releases every database handle. The plaintext cache stays on
// disk for the next run.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, h := range s.shards {
		if err := h.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.shards = nil
	for _, h := range []*store.Handle{s.contactDB, s.groupDB} {
		if h == nil {
			continue
		}
		if err := h.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.contactDB, s.groupDB = nil, nil
	return first
}

func sortMessages(msgs []store.MessageRecord) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreateTime != msgs[j].CreateTime {
			return msgs[i].CreateTime < msgs[j].CreateTime
		}
		return msgs[i].LocalID < msgs[j].LocalID
	})
}
