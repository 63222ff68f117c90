package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/linnemanlabs/go-core/log"
)

func TestShortenFuncName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"full path", "github.com/linnemanlabs/roadwatch/internal/incident/pgstore.(*Store).Get", "(*Store).Get"},
		{"already short", "(*Store).Get", "Get"},
		{"empty string", "", ""},
		{"no dots", "main", "main"},
		{"no slashes", "pgstore.(*Store).Put", "(*Store).Put"},
		{"single segment", "foo.Bar", "Bar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := shortenFuncName(tt.in)
			if got != tt.want {
				t.Errorf("shortenFuncName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestWithSource(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	if got := sourceFromContext(ctx); got != "" {
		t.Errorf("source = %q, want empty", got)
	}
	if got := sourceFromContext(WithSource(ctx, "")); got != "" {
		t.Errorf("source = %q, want empty for empty label", got)
	}
	if got := sourceFromContext(WithSource(ctx, "pipeline")); got != "pipeline" {
		t.Errorf("source = %q, want %q", got, "pipeline")
	}
}

type observation struct {
	source, route, outcome string
}

// Observer state is global, so these run sequentially.
func TestLoggingTracer_ObservesQueries(t *testing.T) {
	var got []observation
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, source, route, outcome string, _ time.Duration) {
		got = append(got, observation{source, route, outcome})
	}))
	t.Cleanup(func() { SetQueryObserver(nil) })

	tr := wrapQueryTracer(nil, 0)
	base := log.WithContext(context.Background(), log.Nop())

	ctx := WithSource(base, "pipeline")
	ctx = tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	time.Sleep(time.Millisecond)
	tr.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("SELECT 1")})

	ctx = tr.TraceQueryStart(base, nil, pgx.TraceQueryStartData{SQL: "INSERT"})
	time.Sleep(time.Millisecond)
	tr.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{Err: errors.New("boom")})

	if len(got) != 2 {
		t.Fatalf("observations = %d, want 2", len(got))
	}
	if got[0] != (observation{"pipeline", "none", "ok"}) {
		t.Errorf("first = %+v", got[0])
	}
	if got[1] != (observation{"unknown", "none", "error"}) {
		t.Errorf("second = %+v", got[1])
	}
}

func TestSetQueryObserver_Nil(t *testing.T) {
	SetQueryObserver(nil)
	if getQueryObserver() != nil {
		t.Fatal("expected nil observer")
	}
}
