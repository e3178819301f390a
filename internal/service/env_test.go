package service_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/relay/internal/adapter/sqlitekv"
	"github.com/Strob0t/relay/internal/adapter/treesitter"
	"github.com/Strob0t/relay/internal/config"
	"github.com/Strob0t/relay/internal/domain/contract"
	"github.com/Strob0t/relay/internal/domain/event"
	"github.com/Strob0t/relay/internal/domain/handoff"
	"github.com/Strob0t/relay/internal/domain/merge"
	"github.com/Strob0t/relay/internal/port/eventstore"
	"github.com/Strob0t/relay/internal/service"
)

type testEnv struct {
	kv      *sqlitekv.Store
	docs    *service.DocumentService
	signals *service.Signals
	coord   *service.HandoffService
	recv    *service.ReceiverService
	cfg     config.Handoff
}

func testHandoffConfig() config.Handoff {
	return config.Handoff{
		PollInterval:      20 * time.Millisecond,
		AwaitPollInterval: 20 * time.Millisecond,
		MaxCASAttempts:    5,
		DefaultTimeout:    5 * time.Second,
		CancelOnTimeout:   true,
	}
}

// perExport sizes every task at 40 lines and 400 tokens per export.
var perExport = contract.EstimatorFunc(func(task contract.Task) contract.SizeEstimate {
	n := max(len(task.Exports), 1)
	return contract.SizeEstimate{Lines: 40 * n, Tokens: 400 * n, Complexity: contract.ComplexityLow, Confidence: 0.9}
})

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWith(t, testHandoffConfig())
}

func newTestEnvWith(t *testing.T, cfg config.Handoff) *testEnv {
	t.Helper()
	kv, err := sqlitekv.Open(context.Background(), filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })

	engine := merge.NewEngine(treesitter.NewGoParser(), treesitter.NewPythonParser())
	docs := service.NewDocumentService(kv, engine, cfg.MaxCASAttempts)
	signals := service.NewSignals(nil)
	return &testEnv{
		kv:      kv,
		docs:    docs,
		signals: signals,
		coord:   service.NewHandoffService(kv, perExport, docs, signals, cfg),
		recv:    service.NewReceiverService(kv, docs, signals, cfg),
		cfg:     cfg,
	}
}

func leafRequest(exports ...string) handoff.CreateRequest {
	return handoff.CreateRequest{
		From:        "planner",
		To:          "coder",
		Capability:  "generate",
		Description: "write the config helpers",
		Contract: contract.Contract{
			MaxLines:        200,
			MaxTokens:       4000,
			RequiredExports: exports,
			TargetPath:      "internal/app/config.go",
			Language:        "go",
		},
	}
}

func (e *testEnv) create(t *testing.T, req handoff.CreateRequest) string {
	t.Helper()
	id, err := e.coord.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return id
}

// work drives a PENDING handoff to IN_PROGRESS.
func (e *testEnv) work(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.recv.Accept(ctx, id); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if _, err := e.recv.Start(ctx, id); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (e *testEnv) status(t *testing.T, id string) handoff.Status {
	t.Helper()
	h, err := e.coord.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return h.Status
}

func goFragment(name string) handoff.Artifact {
	return handoff.Artifact{
		Name: name,
		Fragment: &merge.Fragment{
			Source:          "func " + name + "() error {\n\treturn nil\n}",
			DeclaredExports: []string{name},
		},
	}
}

// memEvents is an in-memory append-only event backend.
type memEvents struct {
	mu     sync.Mutex
	events []event.Event
	fail   error
}

var _ eventstore.Store = (*memEvents)(nil)

func (m *memEvents) Append(_ context.Context, ev *event.Event) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return "", m.fail
	}
	for _, e := range m.events {
		if e.ID == ev.ID {
			return ev.ID, nil
		}
	}
	m.events = append(m.events, *ev)
	return ev.ID, nil
}

func (m *memEvents) Query(_ context.Context, f eventstore.Filter) ([]event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []event.Event
	for i := range m.events {
		if f.Matches(&m.events[i]) {
			out = append(out, m.events[i])
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memEvents) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

var errBackendDown = errors.New("backend down")
