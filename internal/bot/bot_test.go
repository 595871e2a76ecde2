package bot

import "testing"

func TestContainsMention(t *testing.T) {
	tests := []struct {
		name string
		text string
		user string
		want bool
	}{
		{name: "plain mention", text: "@kestrelbot what time is it", user: "kestrelbot", want: true},
		{name: "mid sentence", text: "hey @kestrelbot, hello", user: "kestrelbot", want: true},
		{name: "end of text", text: "thanks @kestrelbot", user: "kestrelbot", want: true},
		{name: "case insensitive", text: "@KestrelBot hi", user: "kestrelbot", want: true},
		{name: "longer handle not matched", text: "@kestrelbot2 hi", user: "kestrelbot", want: false},
		{name: "underscore suffix not matched", text: "@kestrelbot_dev hi", user: "kestrelbot", want: false},
		{name: "longer then real mention", text: "@kestrelbot2 and @kestrelbot", user: "kestrelbot", want: true},
		{name: "no mention", text: "hello world", user: "kestrelbot", want: false},
		{name: "empty username", text: "@kestrelbot hi", user: "", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := containsMention(tt.text, tt.user); got != tt.want {
				t.Errorf("containsMention(%q, %q) = %v, want %v", tt.text, tt.user, got, tt.want)
			}
		})
	}
}

func TestStripMention(t *testing.T) {
	tests := []struct {
		name string
		text string
		user string
		want string
	}{
		{name: "leading", text: "@kestrelbot what time is it", user: "kestrelbot", want: "what time is it"},
		{name: "trailing", text: "what time is it @kestrelbot", user: "kestrelbot", want: "what time is it"},
		{name: "middle collapses whitespace", text: "hey @kestrelbot tell me", user: "kestrelbot", want: "hey tell me"},
		{name: "mixed case", text: "@KestrelBot hi", user: "kestrelbot", want: "hi"},
		{name: "longer handle kept", text: "@kestrelbot2 hi", user: "kestrelbot", want: "@kestrelbot2 hi"},
		{name: "multiple occurrences", text: "@kestrelbot hi @kestrelbot", user: "kestrelbot", want: "hi"},
		{name: "empty username", text: "@kestrelbot hi", user: "", want: "@kestrelbot hi"},
		{name: "only mention", text: "@kestrelbot", user: "kestrelbot", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripMention(tt.text, tt.user); got != tt.want {
				t.Errorf("stripMention(%q, %q) = %q, want %q", tt.text, tt.user, got, tt.want)
			}
		})
	}
}

func TestIsGroup(t *testing.T) {
	tests := []struct {
		chatType string
		want     bool
	}{
		{"group", true},
		{"supergroup", true},
		{"private", false},
		{"channel", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isGroup(tt.chatType); got != tt.want {
			t.Errorf("isGroup(%q) = %v, want %v", tt.chatType, got, tt.want)
		}
	}
}

func TestIsTextMime(t *testing.T) {
	tests := []struct {
		mime string
		name string
		want bool
	}{
		{"text/plain", "notes.txt", true},
		{"text/markdown", "readme.md", true},
		{"application/json", "config.json", true},
		{"application/x-yaml", "deploy.yaml", true},
		{"application/octet-stream", "main.go", true},
		{"application/octet-stream", "SCRIPT.SH", true},
		{"application/octet-stream", "photo.jpg", false},
		{"application/pdf", "paper.pdf", false},
		{"", "archive.zip", false},
	}
	for _, tt := range tests {
		if got := isTextMime(tt.mime, tt.name); got != tt.want {
			t.Errorf("isTextMime(%q, %q) = %v, want %v", tt.mime, tt.name, got, tt.want)
		}
	}
}
