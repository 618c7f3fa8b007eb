package session

import (
	"context"
	"sync"
	"testing"
)

func TestFromWithoutSession(t *testing.T) {
	s, ok := From(context.Background())
	if ok || s != nil {
		t.Fatal("expected no session on a fresh context")
	}
}

func TestWithAndFrom(t *testing.T) {
	want := &Session{GlobalUserID: "g1", Channel: "telegram", ChatID: "c1", UserID: "u1"}
	ctx := With(context.Background(), want)

	got, ok := From(ctx)
	if !ok {
		t.Fatal("expected session on context")
	}
	if got != want {
		t.Fatalf("got %+v", got)
	}
}

func TestConcurrentPassesAreIsolated(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mine := &Session{GlobalUserID: string(rune('a' + i%26))}
			ctx := With(context.Background(), mine)
			for j := 0; j < 100; j++ {
				got, ok := From(ctx)
				if !ok || got != mine {
					t.Error("session leaked across concurrent passes")
					return
				}
			}
		}(i)
	}
	wg.Wait()
}
