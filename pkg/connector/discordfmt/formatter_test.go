// Copyright 2024-2026 Aiku AI

package discordfmt

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestToPlain(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain", "hello world", "hello world"},
		{"bold", "**bold** text", "bold text"},
		{"italic star", "an *important* word", "an important word"},
		{"italic underscore", "an _important_ word", "an important word"},
		{"snake case kept", "call my_func_name now", "call my_func_name now"},
		{"underline", "__under__", "under"},
		{"strike", "~~gone~~", "gone"},
		{"spoiler", "||secret||", "secret"},
		{"inline code kept verbatim", "run `**not bold**`", "run **not bold**"},
		{"code block", "```go\nfmt.Println(1)\n```", "fmt.Println(1)"},
		{"link", "[docs](https://example.com)", "docs (https://example.com)"},
		{"bare link label", "[https://a.b](https://a.b)", "https://a.b"},
		{"suppressed embed link", "[docs](<https://example.com>)", "docs (https://example.com)"},
		{"heading", "# Title\nbody", "Title\nbody"},
		{"subtext", "-# small print", "small print"},
		{"custom emoji", "<:blob:123456>", ":blob:"},
		{"animated emoji", "<a:party:42>", ":party:"},
		{"user mention", "hi <@!1234>", "hi @1234"},
		{"role mention", "ping <@&99>", "ping @role"},
		{"channel mention", "see <#555>", "see #555"},
		{"timestamp style dropped", "at <t:1700000000:R>", "at <t:1700000000>"},
		{"emoji and bullets", "📌 done\n- item", "📌 done\n- item"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ToPlain(tt.in); got != tt.want {
				t.Errorf("ToPlain(%q): got %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestEscapeMentions(t *testing.T) {
	t.Parallel()
	got := EscapeMentions("hey @everyone and @here, not @ann")
	if strings.Contains(got, "@everyone") || strings.Contains(got, "@here") {
		t.Errorf("mass mentions should be defused: %q", got)
	}
	if !strings.Contains(got, "@ann") {
		t.Errorf("user mentions should be untouched: %q", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in    string
		limit int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"too long", 4, "too…"},
		{"ünïcödé", 3, "ün…"},
		{"anything", 0, "anything"},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.limit); got != tt.want {
			t.Errorf("Truncate(%q, %d): got %q, want %q", tt.in, tt.limit, got, tt.want)
		}
	}
}

func FuzzToPlain(f *testing.F) {
	f.Add("**bold** _it_ `code` [l](https://x)")
	f.Add("```\n```")
	f.Add("<@&1><#2><a:x:3>")
	f.Fuzz(func(t *testing.T, in string) {
		out := ToPlain(in)
		if strings.Contains(out, "\x00") && !strings.Contains(in, "\x00") {
			t.Errorf("placeholder leaked for %q: %q", in, out)
		}
		if utf8.ValidString(in) && !utf8.ValidString(out) {
			t.Errorf("invalid UTF-8 output for %q", in)
		}
	})
}
