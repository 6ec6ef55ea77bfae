package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const testOrigin = "http://localhost:3000"

func sampleSession() *Session {
	return &Session{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    1700000000000,
		User: &User{
			ID:        "u-1",
			Email:     "ana@example.com",
			FirstName: "Ana",
			LastName:  "Silva",
			Roles:     []string{"CLIENT"},
		},
	}
}

func backends(t *testing.T) map[string]Store {
	t.Helper()

	fileStore, err := NewFileStore(t.TempDir(), testOrigin)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	sqliteStore, err := OpenSQLite(filepath.Join(t.TempDir(), "sessions.db"), testOrigin)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { sqliteStore.Close() })

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return map[string]Store{
		"file":   fileStore,
		"sqlite": sqliteStore,
		"redis":  NewRedisStore(client, testOrigin),
		"memory": NewMemoryStore(),
	}
}

func TestStoreContract(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			got, err := s.Load(ctx)
			if err != nil || got != nil {
				t.Fatalf("Load on empty store = %v, %v; want nil, nil", got, err)
			}

			if err := s.Save(ctx, sampleSession()); err != nil {
				t.Fatalf("Save: %v", err)
			}
			got, err = s.Load(ctx)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			want := sampleSession()
			if got.AccessToken != want.AccessToken || got.RefreshToken != want.RefreshToken || got.ExpiresAt != want.ExpiresAt {
				t.Errorf("Load = %+v, want %+v", got, want)
			}
			if got.User == nil || got.User.Email != want.User.Email || len(got.User.Roles) != 1 {
				t.Errorf("User = %+v, want %+v", got.User, want.User)
			}

			next := sampleSession()
			next.AccessToken = "access-2"
			next.User.Roles = []string{"BUSINESS_OWNER"}
			if err := s.Save(ctx, next); err != nil {
				t.Fatalf("Save replace: %v", err)
			}
			got, _ = s.Load(ctx)
			if got.AccessToken != "access-2" || got.User.Roles[0] != "BUSINESS_OWNER" {
				t.Errorf("replace not applied: %+v", got)
			}

			if err := s.Clear(ctx); err != nil {
				t.Fatalf("Clear: %v", err)
			}
			if err := s.Clear(ctx); err != nil {
				t.Fatalf("second Clear: %v", err)
			}
			got, err = s.Load(ctx)
			if err != nil || got != nil {
				t.Errorf("Load after Clear = %v, %v; want nil, nil", got, err)
			}
		})
	}
}

func TestSaveNilSession(t *testing.T) {
	if err := NewMemoryStore().Save(context.Background(), nil); err == nil {
		t.Error("Save(nil) should fail")
	}
}

func TestExpiresAtEncodedAsString(t *testing.T) {
	b, err := encode(sampleSession())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"expires_at":"1700000000000"`) {
		t.Errorf("record = %s, want expires_at as a decimal string", b)
	}
}

func TestFileStoreCorruptRecord(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), testOrigin)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.Path(), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err = s.Load(context.Background())
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("Load = %v, want ErrCorrupt", err)
	}
}

func TestFileStorePermissions(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), testOrigin)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save(context.Background(), sampleSession()); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("perm = %o, want 600", perm)
	}
	entries, _ := os.ReadDir(filepath.Dir(s.Path()))
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want only the session file", len(entries))
	}
}

func TestSQLiteOriginsAreIsolated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	a, err := OpenSQLite(path, "http://a.test")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := OpenSQLite(path, "http://b.test")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	ctx := context.Background()
	if err := a.Save(ctx, sampleSession()); err != nil {
		t.Fatal(err)
	}
	got, err := b.Load(ctx)
	if err != nil || got != nil {
		t.Errorf("other origin Load = %v, %v; want nil, nil", got, err)
	}
}

func TestRedisKey(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStore(client, testOrigin)
	if err := s.Save(context.Background(), sampleSession()); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("sessiongate:session:" + testOrigin) {
		t.Errorf("key %q not written", s.Key())
	}
}

func TestOriginKey(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "http://localhost:3000", want: "http://localhost:3000"},
		{in: "HTTPS://App.Example.com/base/", want: "https://app.example.com"},
		{in: "localhost:3000", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := OriginKey(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("OriginKey(%q) = %q, want error", tt.in, got)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("OriginKey(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
			}
		})
	}
}

func TestClone(t *testing.T) {
	orig := sampleSession()
	c := orig.Clone()
	c.User.Roles[0] = "ADMIN"
	if orig.User.Roles[0] != "CLIENT" {
		t.Error("Clone shares the roles slice")
	}
	var nilSession *Session
	if nilSession.Clone() != nil {
		t.Error("Clone(nil) should be nil")
	}
}
