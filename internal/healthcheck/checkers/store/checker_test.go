package storechecker

import (
	"context"
	"errors"
	"testing"
)

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(ctx context.Context) error {
	return f.err
}

func TestCheckerListChecks(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		store Pinger
		want  string
	}{
		{"reachable", fakePinger{}, "ok"},
		{"unreachable", fakePinger{err: errors.New("database is locked")}, "error"},
		{"not configured", nil, "warn"},
	}
	for _, tc := range cases {
		items := NewChecker(nil, tc.store).ListChecks(context.Background())
		if len(items) != 1 {
			t.Fatalf("%s: expected 1 check, got %d", tc.name, len(items))
		}
		if items[0].Status != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, items[0].Status)
		}
	}
}
