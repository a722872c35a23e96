package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadCredentials(t *testing.T) {
	t.Run("inline token", func(t *testing.T) {
		creds, err := LoadCredentials("  abc.def.ghi\n", "")
		if err != nil {
			t.Fatalf("LoadCredentials failed: %v", err)
		}
		if creds.Token != "abc.def.ghi" {
			t.Errorf("Token = %q, want %q", creds.Token, "abc.def.ghi")
		}
		if creds.Authorization() != "Bot abc.def.ghi" {
			t.Errorf("Authorization() = %q", creds.Authorization())
		}
	})

	t.Run("prefix is stripped", func(t *testing.T) {
		creds, err := LoadCredentials("Bot xyz", "")
		if err != nil {
			t.Fatalf("LoadCredentials failed: %v", err)
		}
		if creds.Authorization() != "Bot xyz" {
			t.Errorf("Authorization() = %q, want %q", creds.Authorization(), "Bot xyz")
		}
	})

	t.Run("token file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "token")
		if err := os.WriteFile(path, []byte("file.token.value\n"), 0600); err != nil {
			t.Fatalf("write token: %v", err)
		}

		creds, err := LoadCredentials("", path)
		if err != nil {
			t.Fatalf("LoadCredentials failed: %v", err)
		}
		if creds.Token != "file.token.value" {
			t.Errorf("Token = %q, want %q", creds.Token, "file.token.value")
		}
	})

	t.Run("inline wins over file", func(t *testing.T) {
		creds, err := LoadCredentials("inline", "/does/not/exist")
		if err != nil {
			t.Fatalf("LoadCredentials failed: %v", err)
		}
		if creds.Token != "inline" {
			t.Errorf("Token = %q, want %q", creds.Token, "inline")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadCredentials("", filepath.Join(t.TempDir(), "nope"))
		if err == nil || !strings.Contains(err.Error(), "read token file") {
			t.Errorf("expected read error, got %v", err)
		}
	})

	t.Run("empty", func(t *testing.T) {
		if _, err := LoadCredentials("   ", ""); !errors.Is(err, ErrNoToken) {
			t.Errorf("expected ErrNoToken, got %v", err)
		}
	})

	t.Run("embedded whitespace", func(t *testing.T) {
		if _, err := LoadCredentials("abc def", ""); err == nil {
			t.Error("expected error for token with whitespace")
		}
	})
}

func TestRedacted(t *testing.T) {
	creds := &Credentials{Token: "MTIzNDU2Nzg5.abcdef.secretpart"}

	red := creds.Redacted()
	if strings.Contains(red, "secretpa") {
		t.Errorf("Redacted() leaks token: %q", red)
	}
	if !strings.HasPrefix(red, "MTIz") || !strings.HasSuffix(red, "part") {
		t.Errorf("Redacted() = %q", red)
	}

	if got := fmt.Sprint(creds); strings.Contains(got, creds.Token) {
		t.Errorf("String() leaks token: %q", got)
	}

	short := &Credentials{Token: "short"}
	if short.Redacted() != "****" {
		t.Errorf("Redacted() = %q, want ****", short.Redacted())
	}
}
