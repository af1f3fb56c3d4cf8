package core

import "testing"

func TestWithTextDoesNotAlias(t *testing.T) {
	orig := Message{Kind: KindPublic, Text: "!hello", Privileges: []string{"moderator", "vip"}}
	cp := orig.WithText("hi there")

	if orig.Text != "!hello" {
		t.Fatalf("original text changed: %q", orig.Text)
	}
	if cp.Text != "hi there" {
		t.Fatalf("copy text = %q", cp.Text)
	}
	cp.Privileges[0] = "changed"
	if orig.Privileges[0] != "moderator" {
		t.Fatalf("privileges aliased: %v", orig.Privileges)
	}
}

func TestHasPrivilege(t *testing.T) {
	m := Message{Privileges: []string{"broadcaster", "moderator", "subscriber"}}
	if !m.HasPrivilege("moderator") {
		t.Fatalf("expected moderator privilege")
	}
	if m.HasPrivilege("vip") {
		t.Fatalf("did not expect vip privilege")
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindPing:    "ping",
		KindPublic:  "public",
		KindPrivate: "private",
		KindNotice:  "notice",
		KindSystem:  "system",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Fatalf("%d.String() = %q, want %q", k, got, want)
		}
	}
}
