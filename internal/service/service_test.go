package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/dailybot/wcbridge/internal/checkpoint"
	"github.com/dailybot/wcbridge/internal/decrypt"
	"github.com/dailybot/wcbridge/internal/store"
)

const (
	testKeyHex = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"

	friendConv = "wxid_peer01"
	groupConv  = "testroom@chatroom"
)

const chatColumns = "(mesLocalID INTEGER PRIMARY KEY, msgCreateTime INTEGER, msgContent TEXT, messageType INTEGER, msgSource TEXT)"

// fixture builds a fake client container on disk. Encrypted databases
// are placeholders whose decrypted form is pre-seeded into the engine's
// plaintext cache, so queries run against real SQLite files without
// exercising the page codec.
type fixture struct {
	t      *testing.T
	msgDir string
	conDir string
	eng    *decrypt.Engine
	key    decrypt.Key
	marks  *checkpoint.Store

	container string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	container := filepath.Join(base, "container")
	user := filepath.Join(container, "2.0b4.0.9", "1d35a4b5")
	msgDir := filepath.Join(user, "Message")
	conDir := filepath.Join(user, "Contact")
	for _, d := range []string{msgDir, conDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	key, err := decrypt.ParseKey(testKeyHex)
	if err != nil {
		t.Fatal(err)
	}
	marks, err := checkpoint.Load(filepath.Join(base, "state", "checkpoints.toml"))
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		t:         t,
		msgDir:    msgDir,
		conDir:    conDir,
		eng:       decrypt.NewEngine(filepath.Join(base, "cache"), decrypt.MacV3, zap.NewNop()),
		key:       key,
		marks:     marks,
		container: container,
	}
}

// addDB creates an encrypted placeholder plus its cached plaintext form.
func (f *fixture) addDB(dir, name string, stmts ...string) {
	f.t.Helper()
	src := filepath.Join(dir, name)
	if err := os.WriteFile(src, []byte("ciphertext placeholder"), 0o600); err != nil {
		f.t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(src, past, past); err != nil {
		f.t.Fatal(err)
	}

	plain := f.eng.PlainPath(src)
	if err := os.MkdirAll(filepath.Dir(plain), 0o755); err != nil {
		f.t.Fatal(err)
	}
	db, err := sql.Open("sqlite3", plain)
	if err != nil {
		f.t.Fatal(err)
	}
	defer db.Close()
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			f.t.Fatalf("exec %q: %v", stmt, err)
		}
	}
}

func (f *fixture) addContacts() {
	f.addDB(f.conDir, "wccontact_new2.db",
		"CREATE TABLE WCContact (m_nsUsrName TEXT, nickname TEXT, m_nsRemark TEXT, m_uiConType INTEGER, m_nsEncodeUserName TEXT, dbContactRemark BLOB)",
		fmt.Sprintf("INSERT INTO WCContact VALUES ('%s', 'Alice', '', 1, '', NULL)", friendConv),
		fmt.Sprintf("INSERT INTO WCContact VALUES ('%s', 'Team Room', '', 0, '', NULL)", groupConv),
	)
}

func (f *fixture) service() *Service {
	f.t.Helper()
	svc := New(f.eng, f.marks, zap.NewNop(), Options{
		ContainerRoot: f.container,
		Key:           f.key,
	})
	f.t.Cleanup(func() { svc.Close() })
	return svc
}

func insertMsg(table string, localID, createTime int64, content string) string {
	return fmt.Sprintf(
		"INSERT INTO %s (mesLocalID, msgCreateTime, msgContent, messageType, msgSource) VALUES (%d, %d, '%s', 1, '')",
		table, localID, createTime, content)
}

func TestServiceEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.addContacts()

	groupTable := store.TableForConversation(groupConv)
	f.addDB(f.msgDir, "msg_0.db",
		"CREATE TABLE "+groupTable+" "+chatColumns,
		insertMsg(groupTable, 1, 100, "wxid_peer01:\nfirst"),
		insertMsg(groupTable, 2, 200, "wxid_peer01:\nsecond"),
		insertMsg(groupTable, 3, 300, "wxid_peer01:\nthird"),
	)

	svc := f.service()
	ctx := context.Background()
	if err := svc.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	contacts := svc.Contacts()
	if len(contacts) != 2 {
		t.Fatalf("got %d contacts, want 2", len(contacts))
	}
	groups := svc.Groups()
	if len(groups) != 1 || groups[0].UserID != groupConv {
		t.Fatalf("groups = %+v", groups)
	}

	// Checkpoint at 150: only the later two messages are new.
	if err := f.marks.Advance(groupConv, 150); err != nil {
		t.Fatal(err)
	}
	history, err := svc.MessagesForConversation(ctx, groupConv, f.marks.Get(groupConv), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[0].CreateTime != 200 || history[1].CreateTime != 300 {
		t.Fatalf("history = %+v, want timestamps 200,300", history)
	}
	var gotConv string
	var got []store.MessageRecord
	n, err := svc.PollConversations(ctx, func(conv string, batch []store.MessageRecord) error {
		gotConv = conv
		got = append(got, batch...)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || len(got) != 2 {
		t.Fatalf("delivered %d messages (%d reported), want 2", len(got), n)
	}
	if gotConv != groupConv {
		t.Errorf("delivered conversation %q, want %q", gotConv, groupConv)
	}
	if got[0].CreateTime != 200 || got[1].CreateTime != 300 {
		t.Errorf("batch = %+v", got)
	}
	if got[0].SenderID != "wxid_peer01" || got[0].Content != "second" {
		t.Errorf("sender split missing: %+v", got[0])
	}
	if mark := f.marks.Get(groupConv); mark != 300 {
		t.Errorf("checkpoint = %d, want 300", mark)
	}

	// A second poll finds nothing new.
	n, err = svc.PollConversations(ctx, func(string, []store.MessageRecord) error {
		t.Error("unexpected delivery on idle poll")
		return nil
	})
	if err != nil || n != 0 {
		t.Errorf("idle poll = (%d, %v)", n, err)
	}
}

func TestInitializeWithoutContactDB(t *testing.T) {
	f := newFixture(t)
	// No contact database on disk: the directory is empty but message
	// extraction must keep working.
	table := store.TableForConversation(friendConv)
	f.addDB(f.msgDir, "msg_0.db",
		"CREATE TABLE "+table+" "+chatColumns,
		insertMsg(table, 1, 100, "hello"),
	)

	svc := f.service()
	ctx := context.Background()
	if err := svc.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v, want nil without contact db", err)
	}
	if got := svc.Contacts(); len(got) != 0 {
		t.Errorf("contacts = %+v, want none", got)
	}

	msgs, err := svc.NewMessagesSince(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Errorf("msgs = %+v", msgs)
	}

	// Unknown conversations are delivered under their table name.
	var gotConv string
	if _, err := svc.PollConversations(ctx, func(conv string, _ []store.MessageRecord) error {
		gotConv = conv
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if gotConv != table {
		t.Errorf("delivered conversation %q, want table name %q", gotConv, table)
	}
}

func TestPollMigratesTableKeyedCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.addContacts()

	table := store.TableForConversation(friendConv)
	f.addDB(f.msgDir, "msg_0.db",
		"CREATE TABLE "+table+" "+chatColumns,
		insertMsg(table, 1, 100, "old"),
		insertMsg(table, 2, 200, "new"),
	)
	// A mark from a run that predates the contact directory is keyed by
	// the table name.
	if err := f.marks.Advance(table, 150); err != nil {
		t.Fatal(err)
	}

	svc := f.service()
	ctx := context.Background()
	if err := svc.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	var got []store.MessageRecord
	n, err := svc.PollConversations(ctx, func(_ string, batch []store.MessageRecord) error {
		got = append(got, batch...)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || len(got) != 1 || got[0].CreateTime != 200 {
		t.Fatalf("delivered %+v, want only the message at 200", got)
	}
	if mark := f.marks.Get(friendConv); mark != 200 {
		t.Errorf("conversation mark = %d, want 200", mark)
	}
	if mark := f.marks.Get(table); mark != 0 {
		t.Errorf("table-keyed mark = %d, want migrated away", mark)
	}
}

func TestInitializeNoShards(t *testing.T) {
	f := newFixture(t)
	f.addContacts()
	// Message dir exists but holds no shard files.

	svc := f.service()
	err := svc.Initialize(context.Background())
	if !errors.Is(err, ErrNoUsableShards) {
		t.Errorf("error = %v, want ErrNoUsableShards", err)
	}
}

func TestInitializeSkipsCorruptShard(t *testing.T) {
	f := newFixture(t)
	f.addContacts()

	table := store.TableForConversation(friendConv)
	f.addDB(f.msgDir, "msg_0.db",
		"CREATE TABLE "+table+" "+chatColumns,
		insertMsg(table, 1, 100, "hello"),
	)
	// msg_1.db has no cached plaintext, so decryption runs against the
	// placeholder bytes and fails.
	corrupt := filepath.Join(f.msgDir, "msg_1.db")
	if err := os.WriteFile(corrupt, []byte("not a database"), 0o600); err != nil {
		t.Fatal(err)
	}

	svc := f.service()
	ctx := context.Background()
	if err := svc.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	msgs, err := svc.MessagesForConversation(ctx, friendConv, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Errorf("msgs = %+v", msgs)
	}
}

func TestNewMessagesSinceUnionsShards(t *testing.T) {
	f := newFixture(t)
	f.addContacts()

	groupTable := store.TableForConversation(groupConv)
	friendTable := store.TableForConversation(friendConv)
	f.addDB(f.msgDir, "msg_0.db",
		"CREATE TABLE "+groupTable+" "+chatColumns,
		insertMsg(groupTable, 1, 200, "wxid_peer01:\nb"),
	)
	f.addDB(f.msgDir, "msg_1.db",
		"CREATE TABLE "+friendTable+" "+chatColumns,
		insertMsg(friendTable, 1, 100, "a"),
		insertMsg(friendTable, 2, 300, "c"),
	)

	svc := f.service()
	ctx := context.Background()
	if err := svc.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	msgs, err := svc.NewMessagesSince(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i, want := range []int64{100, 200, 300} {
		if msgs[i].CreateTime != want {
			t.Errorf("msgs[%d].CreateTime = %d, want %d", i, msgs[i].CreateTime, want)
		}
	}
	if !msgs[1].IsGroup || msgs[1].RoomID != groupConv {
		t.Errorf("group identity lost: %+v", msgs[1])
	}

	since, err := svc.NewMessagesSince(ctx, 200)
	if err != nil {
		t.Fatal(err)
	}
	if len(since) != 1 || since[0].CreateTime != 300 {
		t.Errorf("since filter: %+v", since)
	}
}

func TestPollKeepsCheckpointOnDeliveryFailure(t *testing.T) {
	f := newFixture(t)
	f.addContacts()

	table := store.TableForConversation(friendConv)
	f.addDB(f.msgDir, "msg_0.db",
		"CREATE TABLE "+table+" "+chatColumns,
		insertMsg(table, 1, 100, "hello"),
	)

	svc := f.service()
	ctx := context.Background()
	if err := svc.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	sinkErr := errors.New("sink unavailable")
	_, err := svc.PollConversations(ctx, func(string, []store.MessageRecord) error {
		return sinkErr
	})
	if !errors.Is(err, sinkErr) {
		t.Fatalf("error = %v, want sink error", err)
	}
	if mark := f.marks.Get(friendConv); mark != 0 {
		t.Errorf("checkpoint advanced to %d despite failed delivery", mark)
	}

	// The retry delivers the same batch.
	n, err := svc.PollConversations(ctx, func(_ string, batch []store.MessageRecord) error {
		if len(batch) != 1 || batch[0].Content != "hello" {
			t.Errorf("batch = %+v", batch)
		}
		return nil
	})
	if err != nil || n != 1 {
		t.Errorf("retry poll = (%d, %v)", n, err)
	}
}

func TestNewMessagesSinceToleratesSchemaDrift(t *testing.T) {
	f := newFixture(t)
	f.addContacts()

	table := store.TableForConversation(friendConv)
	f.addDB(f.msgDir, "msg_0.db",
		"CREATE TABLE "+table+" "+chatColumns,
		insertMsg(table, 1, 100, "hello"),
		// A chat-prefixed table missing required columns.
		"CREATE TABLE Chat_0000 (mesLocalID INTEGER)",
	)

	svc := f.service()
	ctx := context.Background()
	if err := svc.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	msgs, err := svc.NewMessagesSince(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("got %d messages, want 1 (drifted table skipped)", len(msgs))
	}
}

func TestMessagesForUnknownConversation(t *testing.T) {
	f := newFixture(t)
	f.addContacts()

	table := store.TableForConversation(friendConv)
	f.addDB(f.msgDir, "msg_0.db", "CREATE TABLE "+table+" "+chatColumns)

	svc := f.service()
	ctx := context.Background()
	if err := svc.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	msgs, err := svc.MessagesForConversation(ctx, "wxid_never_spoke", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if msgs == nil || len(msgs) != 0 {
		t.Errorf("msgs = %#v, want empty non-nil slice", msgs)
	}
}
