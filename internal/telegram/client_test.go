package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGetUpdatesAdvancesOffset(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/getUpdates") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotQuery = r.URL.Query()
		fmt.Fprint(w, `{"ok":true,"result":[
			{"update_id":10,"message":{"message_id":1,"chat":{"id":42,"type":"private"},"text":"hi"}},
			{"update_id":12,"message":{"message_id":2,"chat":{"id":42,"type":"private"},"text":"there"}}
		]}`)
	}))
	defer srv.Close()

	c := New("tok", srv.URL, testLogger())
	updates, next, err := c.GetUpdates(context.Background(), 5, time.Second)
	if err != nil {
		t.Fatalf("GetUpdates: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("got %d updates, want 2", len(updates))
	}
	if updates[0].Message.Text != "hi" || updates[1].Message.Chat.ID != 42 {
		t.Errorf("unexpected updates: %+v", updates)
	}
	if next != 13 {
		t.Errorf("next offset = %d, want 13", next)
	}
	if gotQuery.Get("offset") != "5" {
		t.Errorf("request offset = %q, want 5", gotQuery.Get("offset"))
	}
	if gotQuery.Get("allowed_updates") != `["message"]` {
		t.Errorf("allowed_updates = %q", gotQuery.Get("allowed_updates"))
	}
}

func TestGetUpdatesEmptyKeepsOffset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true,"result":[]}`)
	}))
	defer srv.Close()

	c := New("tok", srv.URL, testLogger())
	updates, next, err := c.GetUpdates(context.Background(), 7, time.Second)
	if err != nil {
		t.Fatalf("GetUpdates: %v", err)
	}
	if len(updates) != 0 || next != 7 {
		t.Errorf("got %d updates, next %d; want 0, 7", len(updates), next)
	}
}

func TestSendMessageParseModeFallback(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		mode, _ := req["parse_mode"].(string)
		calls = append(calls, mode)
		if mode == "HTML" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`)
			return
		}
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":99,"chat":{"id":1,"type":"private"}}}`)
	}))
	defer srv.Close()

	c := New("tok", srv.URL, testLogger())
	id, err := c.SendMessage(context.Background(), 1, "<b>broken", SendOptions{ParseMode: "HTML"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if id != 99 {
		t.Errorf("message id = %d, want 99", id)
	}
	if len(calls) != 2 || calls[0] != "HTML" || calls[1] != "" {
		t.Errorf("calls = %v, want [HTML \"\"]", calls)
	}
}

func TestEditMessageNotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: message is not modified"}`)
	}))
	defer srv.Close()

	c := New("tok", srv.URL, testLogger())
	if err := c.EditMessageText(context.Background(), 1, 2, "same text", ""); err != nil {
		t.Fatalf("EditMessageText: %v", err)
	}
}

func TestAPIErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`)
	}))
	defer srv.Close()

	c := New("tok", srv.URL, testLogger())
	_, err := c.SendMessage(context.Background(), 1, "hi", SendOptions{})
	if err == nil {
		t.Fatal("want error, got nil")
	}
	var apiErr *APIError
	if !asAPIError(err, &apiErr) {
		t.Fatalf("want *APIError, got %T: %v", err, err)
	}
	if apiErr.Code != 403 {
		t.Errorf("code = %d, want 403", apiErr.Code)
	}
}

func TestSendVoiceMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if got := r.FormValue("chat_id"); got != "55" {
			t.Errorf("chat_id = %q, want 55", got)
		}
		f, _, err := r.FormFile("voice")
		if err != nil {
			t.Fatalf("voice file: %v", err)
		}
		data, _ := io.ReadAll(f)
		if string(data) != "opusdata" {
			t.Errorf("voice payload = %q", data)
		}
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":5,"chat":{"id":55,"type":"private"}}}`)
	}))
	defer srv.Close()

	c := New("tok", srv.URL, testLogger())
	if err := c.SendVoice(context.Background(), 55, []byte("opusdata")); err != nil {
		t.Fatalf("SendVoice: %v", err)
	}
}

func TestGetFileAndURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true,"result":{"file_id":"abc","file_size":10,"file_path":"photos/p.jpg"}}`)
	}))
	defer srv.Close()

	c := New("tok", srv.URL, testLogger())
	f, err := c.GetFile(context.Background(), "abc")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	want := srv.URL + "/file/bottok/photos/p.jpg"
	if got := c.FileURL(f); got != want {
		t.Errorf("FileURL = %q, want %q", got, want)
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		user User
		want string
	}{
		{User{FirstName: "Ada", LastName: "Lovelace"}, "Ada Lovelace"},
		{User{FirstName: "Ada"}, "Ada"},
		{User{Username: "ada42"}, "@ada42"},
		{User{}, ""},
	}
	for _, tt := range tests {
		if got := tt.user.DisplayName(); got != tt.want {
			t.Errorf("DisplayName(%+v) = %q, want %q", tt.user, got, tt.want)
		}
	}
}
