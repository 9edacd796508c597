package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/astromechza/notesync/pkg/client"
	"github.com/astromechza/notesync/pkg/document"
	"github.com/astromechza/notesync/pkg/transport"
	"github.com/astromechza/notesync/pkg/wire"
)

var (
	clientSaveTo string

	clientCmd = &cobra.Command{
		Use:   "client NOTE",
		Short: "Edit a note from the terminal, every line read from stdin is appended to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd.Context(), args[0], cmd.InOrStdin())
		},
	}
)

func init() {
	clientCmd.Flags().StringVar(&clientSaveTo, "save", "", "write the replica here on exit for use with dump or render")
}

func syncURL(base, noteID, name string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("failed to parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u = u.JoinPath("notes", noteID, "sync")
	q := u.Query()
	q.Set("name", name)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// fetchLatest seeds the local replica from the server so that the first handshake is small.
func fetchLatest(ctx context.Context, base, noteID string) (*document.Document, error) {
	u, err := url.JoinPath(base, "notes", noteID, "latest")
	if err != nil {
		return nil, fmt.Errorf("failed to build url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch latest: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		state, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read latest: %w", err)
		}
		return document.Load(state)
	case http.StatusNoContent:
		return document.Empty(), nil
	default:
		return nil, fmt.Errorf("failed to fetch latest: status %d", resp.StatusCode)
	}
}

func runClient(ctx context.Context, noteID string, in io.Reader) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	doc, err := fetchLatest(ctx, cfg.Client.URL, noteID)
	if err != nil {
		return err
	}
	defer doc.Close()

	target, err := syncURL(cfg.Client.URL, noteID, cfg.Client.Name)
	if err != nil {
		return err
	}
	logger := slog.Default().With("note", noteID)
	r := client.NewReconnector(doc, func(ctx context.Context) (transport.Adapter, error) {
		ws, err := transport.DialWebsocket(ctx, target, nil, logger)
		if err != nil {
			return nil, err
		}
		return ws, nil
	}, client.ReconnectOptions{
		Session: client.Options{Logger: logger},
		Delay:   cfg.Client.ReconnectDelay,
	})
	r.OnSynced(func() {
		text, _ := doc.Text()
		fmt.Printf("--- synced ---\n%s\n", text)
	})
	r.OnPresence(func(set wire.PresenceSet) {
		for _, u := range set.Users {
			logger.Info("presence", "user", u.DisplayName, "style", u.StyleIndex, "active", u.Active, "cursor", u.Cursor)
		}
	})
	doc.Observe(func(u document.Update) {
		if u.Origin == nil {
			return
		}
		text, _ := doc.Text()
		fmt.Printf("--- updated ---\n%s\n", text)
	})

	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			if err := appendLine(doc, scanner.Text()); err != nil {
				logger.Error("failed to edit", "err", err)
				continue
			}
			if text, err := doc.Text(); err == nil {
				n := utf8.RuneCountInString(text)
				r.SendPresence(wire.Cursor{From: n, To: n})
			}
		}
	}()

	err = r.Run(ctx)
	if clientSaveTo != "" {
		if werr := os.WriteFile(clientSaveTo, doc.Save(), 0o644); werr != nil {
			logger.Error("failed to save replica", "err", werr)
		} else {
			logger.Info("saved replica", "path", clientSaveTo)
		}
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func appendLine(doc *document.Document, line string) error {
	text, err := doc.Text()
	if err != nil {
		return err
	}
	return doc.Insert(utf8.RuneCountInString(text), line+"\n", nil)
}
