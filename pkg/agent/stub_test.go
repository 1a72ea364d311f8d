package agent

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"conductor/pkg/agent/llm"
	"conductor/pkg/approval"
	"conductor/pkg/config"
	"conductor/pkg/dispatch"
	"conductor/pkg/metrics"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
	"conductor/pkg/tools"
)

// memLog is an in-memory ConversationLog.
type memLog struct {
	mu       sync.Mutex
	messages map[string][]proto.Message
}

func newMemLog() *memLog {
	return &memLog{messages: make(map[string][]proto.Message)}
}

func (l *memLog) AppendMessage(sessionID string, msg proto.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages[sessionID] = append(l.messages[sessionID], msg)
	return nil
}

func (l *memLog) Messages(sessionID string) ([]proto.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]proto.Message, len(l.messages[sessionID]))
	copy(out, l.messages[sessionID])
	return out, nil
}

func (l *memLog) len(sessionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages[sessionID])
}

func (l *memLog) at(sessionID string, i int) proto.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.messages[sessionID][i]
}

// newTestWorkerConfig wires a WorkerConfig against a throwaway database and
// an isolated metrics registry.
func newTestWorkerConfig(t *testing.T, client llm.LLMClient) WorkerConfig {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "agent_test.db")
	db, err := persistence.InitializeDatabase(dbPath)
	if err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	bus := dispatch.NewBus()
	mgr := approval.NewManager(persistence.NewApprovalRepo(db), bus, approval.DefaultPolicy())

	return WorkerConfig{
		Client:    client,
		Approvals: mgr,
		Runner:    tools.NewLocalRunner(t.TempDir()),
		Bus:       bus,
		Recorder:  metrics.NewRecorderWith(prometheus.NewRegistry()),
		Budget:    config.Default().Context,
		Timeout:   5 * time.Second,
	}
}
