package store

import (
	"context"
	"sort"
	"strings"
	"testing"
)

// runClientSuite exercises the Client contract. write modifies a key behind
// the client's back, the way another process would.
func runClientSuite(t *testing.T, c Client, write func(key, value string)) {
	ctx := context.Background()

	if l, ok := c.(Lister); ok {
		t.Run("Keys", func(t *testing.T) {
			for _, k := range []string{"list:a", "list:b", "other"} {
				if _, err := c.SetIfAbsent(ctx, k, []byte("v")); err != nil {
					t.Fatalf("setnx %s: %v", k, err)
				}
			}
			keys, err := l.Keys(ctx, "list:")
			if err != nil {
				t.Fatalf("keys: %v", err)
			}
			sort.Strings(keys)
			if strings.Join(keys, ",") != "list:a,list:b" {
				t.Fatalf("unexpected keys %v", keys)
			}
		})
	}

	t.Run("SetIfAbsent", func(t *testing.T) {
		ok, err := c.SetIfAbsent(ctx, "nx", []byte("a"))
		if err != nil || !ok {
			t.Fatalf("first setnx: ok %v err %v", ok, err)
		}
		ok, err = c.SetIfAbsent(ctx, "nx", []byte("b"))
		if err != nil || ok {
			t.Fatalf("second setnx: ok %v err %v", ok, err)
		}
		v, found, err := c.Get(ctx, "nx")
		if err != nil || !found || string(v) != "a" {
			t.Fatalf("get: %q found %v err %v", v, found, err)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		v, found, err := c.Get(ctx, "missing")
		if err != nil || found || v != nil {
			t.Fatalf("expected miss, got %q found %v err %v", v, found, err)
		}
	})

	t.Run("WatchCommitUnchanged", func(t *testing.T) {
		write("w1", "old")
		err := c.Watch(ctx, "w1", func(v View) error {
			got, found := v.Value()
			if !found || string(got) != "old" {
				t.Fatalf("watched value %q found %v", got, found)
			}
			tx := v.Begin()
			tx.Set("w1", []byte("new"))
			ok, err := tx.Commit(ctx)
			if err != nil || !ok {
				t.Fatalf("commit: ok %v err %v", ok, err)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
		if v, _, _ := c.Get(ctx, "w1"); string(v) != "new" {
			t.Fatalf("expected new, got %q", v)
		}
	})

	t.Run("WatchCommitAbortsOnChange", func(t *testing.T) {
		write("w2", "old")
		err := c.Watch(ctx, "w2", func(v View) error {
			write("w2", "other")
			tx := v.Begin()
			tx.Set("w2", []byte("mine"))
			ok, err := tx.Commit(ctx)
			if err != nil {
				t.Fatalf("commit: %v", err)
			}
			if ok {
				t.Fatal("commit should abort after concurrent write")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
		if v, _, _ := c.Get(ctx, "w2"); string(v) != "other" {
			t.Fatalf("expected other, got %q", v)
		}
	})

	t.Run("WatchAbsentAbortsOnCreate", func(t *testing.T) {
		err := c.Watch(ctx, "w3", func(v View) error {
			if _, found := v.Value(); found {
				t.Fatal("expected absent key")
			}
			write("w3", "racer")
			tx := v.Begin()
			tx.Set("w3", []byte("mine"))
			ok, err := tx.Commit(ctx)
			if err != nil || ok {
				t.Fatalf("expected aborted commit, ok %v err %v", ok, err)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
	})

	t.Run("WatchDelete", func(t *testing.T) {
		write("w4", "x")
		err := c.Watch(ctx, "w4", func(v View) error {
			tx := v.Begin()
			tx.Delete("w4")
			ok, err := tx.Commit(ctx)
			if err != nil || !ok {
				t.Fatalf("commit: ok %v err %v", ok, err)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
		if _, found, _ := c.Get(ctx, "w4"); found {
			t.Fatal("expected key deleted")
		}
	})

	t.Run("UnwatchMakesCommitUnconditional", func(t *testing.T) {
		write("w5", "old")
		err := c.Watch(ctx, "w5", func(v View) error {
			if err := v.Unwatch(ctx); err != nil {
				t.Fatalf("unwatch: %v", err)
			}
			write("w5", "other")
			tx := v.Begin()
			tx.Set("w5", []byte("mine"))
			ok, err := tx.Commit(ctx)
			if err != nil || !ok {
				t.Fatalf("commit: ok %v err %v", ok, err)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
		if v, _, _ := c.Get(ctx, "w5"); string(v) != "mine" {
			t.Fatalf("expected mine, got %q", v)
		}
	})
}
