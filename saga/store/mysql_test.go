package store

import (
	"os"
	"testing"
)

// TestMySQLStore runs the shared StreamStore contract against a real MySQL
// instance. Set SAGAKIT_MYSQL_DSN to enable, e.g.
//
//	SAGAKIT_MYSQL_DSN="user:pass@tcp(localhost:3306)/sagakit_test" go test ./saga/store/
func TestMySQLStore(t *testing.T) {
	dsn := os.Getenv("SAGAKIT_MYSQL_DSN")
	if dsn == "" {
		t.Skip("SAGAKIT_MYSQL_DSN not set")
	}

	s, err := NewMySQLStore(dsn)
	if err != nil {
		t.Fatalf("NewMySQLStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	runStreamStoreTests(t, s)
}
