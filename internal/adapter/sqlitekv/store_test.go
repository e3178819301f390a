package sqlitekv_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Strob0t/relay/internal/adapter/sqlitekv"
	"github.com/Strob0t/relay/internal/port/kvstore"
	"github.com/Strob0t/relay/internal/port/kvstore/kvstoretest"
)

func TestConformance(t *testing.T) {
	kvstoretest.Run(t, kvstoretest.Harness{
		New: func(t *testing.T) kvstore.Store {
			s, err := sqlitekv.Open(context.Background(), filepath.Join(t.TempDir(), "relay.db"))
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			return s
		},
		Reopen: func(t *testing.T, s kvstore.Store) kvstore.Store {
			path := s.(*sqlitekv.Store).Path()
			if err := s.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			reopened, err := sqlitekv.Open(context.Background(), path)
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			return reopened
		},
	})
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "kv.db")
	s, err := sqlitekv.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
