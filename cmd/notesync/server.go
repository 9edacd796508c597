package main

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/astromechza/notesync/pkg/hub"
	"github.com/astromechza/notesync/pkg/store"
	"github.com/astromechza/notesync/pkg/transport"
)

const maxNoteBody = 1 << 20

type server struct {
	hub   *hub.Hub
	store *store.SQLite
}

func (s *server) router() *mux.Router {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodPost).Path("/notes/{note}").HandlerFunc(s.createNote)
	r.Methods(http.MethodDelete).Path("/notes/{note}").HandlerFunc(s.deleteNote)
	r.Methods(http.MethodGet).Path("/notes/{note}/latest").HandlerFunc(s.getLatest)
	r.Methods(http.MethodGet).Path("/notes/{note}/text").HandlerFunc(s.getText)
	r.Methods(http.MethodGet).Path("/notes/{note}/sync").HandlerFunc(s.syncNote)
	r.Methods(http.MethodPost).Path("/notes/{note}/metadata").HandlerFunc(s.metadataUpdated)
	r.Methods(http.MethodPost).Path("/admin/version").HandlerFunc(s.versionUpdated)
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.Handler())
	return r
}

func (s *server) createNote(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	body, err := io.ReadAll(io.LimitReader(request.Body, maxNoteBody))
	if err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	created, err := s.store.Create(request.Context(), vars["note"], string(body))
	if err != nil {
		slog.Error("failed to create note", "note", vars["note"], "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !created {
		writer.WriteHeader(http.StatusConflict)
		return
	}
	writer.WriteHeader(http.StatusCreated)
}

func (s *server) deleteNote(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	s.hub.NotifyDeleted(vars["note"])
	if err := s.store.Delete(request.Context(), vars["note"]); errors.Is(err, store.ErrNotFound) {
		writer.WriteHeader(http.StatusNotFound)
		return
	} else if err != nil {
		slog.Error("failed to delete note", "note", vars["note"], "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

// getLatest serves the saved replica, from memory while the note is active and from the store otherwise.
func (s *server) getLatest(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	state, ok := s.hub.Latest(vars["note"])
	if !ok {
		n, err := s.store.Get(request.Context(), vars["note"])
		if errors.Is(err, store.ErrNotFound) {
			writer.WriteHeader(http.StatusNotFound)
			return
		} else if err != nil {
			slog.Error("failed to load note", "note", vars["note"], "err", err)
			writer.WriteHeader(http.StatusInternalServerError)
			return
		}
		if len(n.State) == 0 {
			// never synced yet, nothing to hand out beyond the text
			writer.WriteHeader(http.StatusNoContent)
			return
		}
		state = n.State
	}
	writer.Header().Add("Content-Type", "application/octet-stream")
	if _, err := writer.Write(state); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func (s *server) getText(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	text, err := s.hub.Text(vars["note"])
	if errors.Is(err, hub.ErrNoteNotActive) {
		n, serr := s.store.Get(request.Context(), vars["note"])
		if errors.Is(serr, store.ErrNotFound) {
			writer.WriteHeader(http.StatusNotFound)
			return
		}
		text, err = n.Content, serr
	}
	if err != nil {
		slog.Error("failed to read note", "note", vars["note"], "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.Header().Add("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(writer, text)
}

func (s *server) syncNote(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	if _, err := s.store.Get(request.Context(), vars["note"]); errors.Is(err, store.ErrNotFound) {
		writer.WriteHeader(http.StatusNotFound)
		return
	} else if err != nil {
		slog.Error("failed to load note", "note", vars["note"], "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	conn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	identity := hub.Identity{
		UserID:      request.URL.Query().Get("user"),
		DisplayName: request.URL.Query().Get("name"),
	}
	adapter := transport.NewWebsocket(conn, slog.Default().With("note", vars["note"]))
	c, err := s.hub.OpenConnection(request.Context(), vars["note"], adapter, identity)
	if err != nil {
		slog.Error("failed to open connection", "note", vars["note"], "err", err)
		adapter.Disconnect()
		return
	}
	<-c.Done()
}

func (s *server) metadataUpdated(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	s.hub.NotifyMetadataUpdated(vars["note"])
	writer.WriteHeader(http.StatusAccepted)
}

func (s *server) versionUpdated(writer http.ResponseWriter, _ *http.Request) {
	s.hub.NotifyServerVersionUpdated()
	writer.WriteHeader(http.StatusAccepted)
}
