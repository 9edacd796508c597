package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/notesync/pkg/client"
	"github.com/astromechza/notesync/pkg/config"
	"github.com/astromechza/notesync/pkg/document"
	"github.com/astromechza/notesync/pkg/hub"
	"github.com/astromechza/notesync/pkg/store"
	"github.com/astromechza/notesync/pkg/transport"
	"github.com/astromechza/notesync/pkg/wire"
)

const waitFor = 3 * time.Second

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	h := hub.New(hub.Options{Store: st, KeepAlive: time.Second})
	ts := httptest.NewServer((&server{hub: h, store: st}).router())
	t.Cleanup(func() {
		ts.Close()
		_ = st.Close()
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = h.Close(ctx)
	})
	return ts
}

func do(t *testing.T, method, url, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(raw)
}

func dialSession(t *testing.T, ts *httptest.Server, noteID, name string, doc *document.Document) *client.Session {
	t.Helper()
	target, err := syncURL(ts.URL, noteID, name)
	require.NoError(t, err)
	ws, err := transport.DialWebsocket(context.Background(), target, nil, slog.Default())
	require.NoError(t, err)
	s := client.Open(doc, ws, client.Options{KeepAlive: time.Second})
	t.Cleanup(s.Close)
	return s
}

func TestSyncURL(t *testing.T) {
	u, err := syncURL("http://localhost:8080/", "shopping list", "ann")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/notes/shopping%20list/sync?name=ann", u)

	u, err = syncURL("https://example.com/api", "n1", "")
	require.NoError(t, err)
	assert.Equal(t, "wss://example.com/api/notes/n1/sync?name=", u)
}

// TestSyncURL_FromDefaultConfig verifies the shipped client defaults point at the serve defaults.
func TestSyncURL_FromDefaultConfig(t *testing.T) {
	t.Chdir(t.TempDir())
	c, err := config.Load("")
	require.NoError(t, err)

	u, err := syncURL(c.Client.URL, "n1", "ann")
	require.NoError(t, err)
	assert.Equal(t, "ws://"+c.Server.Addr+"/notes/n1/sync?name=ann", u)
}

// TestFetchLatest seeds a client replica from the server both before and after the note was first synced.
func TestFetchLatest(t *testing.T) {
	ts := newTestServer(t)
	code, _ := do(t, http.MethodPost, ts.URL+"/notes/n1", "hello")
	require.Equal(t, http.StatusCreated, code)

	before, err := fetchLatest(context.Background(), ts.URL, "n1")
	require.NoError(t, err)
	defer before.Close()
	text, err := before.Text()
	require.NoError(t, err)
	assert.Empty(t, text)

	doc := document.Empty()
	defer doc.Close()
	s := dialSession(t, ts, "n1", "ann", doc)
	require.Eventually(t, s.IsSynced, waitFor, 10*time.Millisecond)

	after, err := fetchLatest(context.Background(), ts.URL, "n1")
	require.NoError(t, err)
	defer after.Close()
	text, err = after.Text()
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	_, err = fetchLatest(context.Background(), ts.URL, "missing")
	assert.Error(t, err)
}

func TestAppendLine(t *testing.T) {
	doc, err := document.New("hello\n")
	require.NoError(t, err)
	defer doc.Close()
	require.NoError(t, appendLine(doc, "world"))
	text, err := doc.Text()
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld\n", text)
}

func TestServer_CreateAndRead(t *testing.T) {
	ts := newTestServer(t)

	code, _ := do(t, http.MethodPost, ts.URL+"/notes/n1", "hello")
	assert.Equal(t, http.StatusCreated, code)
	code, _ = do(t, http.MethodPost, ts.URL+"/notes/n1", "again")
	assert.Equal(t, http.StatusConflict, code)

	code, body := do(t, http.MethodGet, ts.URL+"/notes/n1/text", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "hello", body)

	code, _ = do(t, http.MethodGet, ts.URL+"/notes/n1/latest", "")
	assert.Equal(t, http.StatusNoContent, code)

	code, _ = do(t, http.MethodGet, ts.URL+"/notes/missing/latest", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = do(t, http.MethodGet, ts.URL+"/notes/missing/text", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = do(t, http.MethodDelete, ts.URL+"/notes/missing", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestServer_SyncOverWebsocket(t *testing.T) {
	ts := newTestServer(t)
	code, _ := do(t, http.MethodPost, ts.URL+"/notes/n1", "hello")
	require.Equal(t, http.StatusCreated, code)

	doc := document.Empty()
	defer doc.Close()
	s := dialSession(t, ts, "n1", "ann", doc)

	require.Eventually(t, s.IsSynced, waitFor, 10*time.Millisecond)
	text, err := doc.Text()
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	require.NoError(t, appendLine(doc, " world"))
	assert.Eventually(t, func() bool {
		_, body := do(t, http.MethodGet, ts.URL+"/notes/n1/text", "")
		return body == "hello world\n"
	}, waitFor, 20*time.Millisecond)

	// while active the latest replica comes from memory
	code, body := do(t, http.MethodGet, ts.URL+"/notes/n1/latest", "")
	require.Equal(t, http.StatusOK, code)
	loaded, err := document.Load([]byte(body))
	require.NoError(t, err)
	defer loaded.Close()
	text, err = loaded.Text()
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", text)
}

func TestServer_SyncUnknownNoteIsRejected(t *testing.T) {
	ts := newTestServer(t)
	target, err := syncURL(ts.URL, "missing", "ann")
	require.NoError(t, err)
	_, err = transport.DialWebsocket(context.Background(), target, nil, slog.Default())
	assert.Error(t, err)
}

func TestServer_DeleteNotifiesEditors(t *testing.T) {
	ts := newTestServer(t)
	code, _ := do(t, http.MethodPost, ts.URL+"/notes/n1", "hello")
	require.Equal(t, http.StatusCreated, code)

	doc := document.Empty()
	defer doc.Close()
	s := dialSession(t, ts, "n1", "ann", doc)
	require.Eventually(t, s.IsSynced, waitFor, 10*time.Millisecond)

	deleted := make(chan struct{}, 1)
	s.OnNotice(func(m wire.Message) {
		if _, ok := m.(wire.DocumentDeleted); ok {
			deleted <- struct{}{}
		}
	})

	code, _ = do(t, http.MethodDelete, ts.URL+"/notes/n1", "")
	assert.Equal(t, http.StatusNoContent, code)
	select {
	case <-deleted:
	case <-time.After(waitFor):
		t.Fatal("no delete notice")
	}
	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("session still open")
	}

	assert.Eventually(t, func() bool {
		code, _ := do(t, http.MethodGet, ts.URL+"/notes/n1/text", "")
		return code == http.StatusNotFound
	}, waitFor, 20*time.Millisecond)
}

func TestServer_MetadataNotice(t *testing.T) {
	ts := newTestServer(t)
	code, _ := do(t, http.MethodPost, ts.URL+"/notes/n1", "hello")
	require.Equal(t, http.StatusCreated, code)

	doc := document.Empty()
	defer doc.Close()
	s := dialSession(t, ts, "n1", "ann", doc)
	require.Eventually(t, s.IsSynced, waitFor, 10*time.Millisecond)

	notices := make(chan wire.Message, 4)
	s.OnNotice(func(m wire.Message) { notices <- m })

	code, _ = do(t, http.MethodPost, ts.URL+"/notes/n1/metadata", "")
	assert.Equal(t, http.StatusAccepted, code)
	code, _ = do(t, http.MethodPost, ts.URL+"/admin/version", "")
	assert.Equal(t, http.StatusAccepted, code)

	var got []wire.Tag
	for len(got) < 2 {
		select {
		case m := <-notices:
			got = append(got, m.Tag())
		case <-time.After(waitFor):
			t.Fatalf("only got %v", got)
		}
	}
	assert.ElementsMatch(t, []wire.Tag{wire.TagMetadataUpdated, wire.TagServerVersionUpdated}, got)
}
