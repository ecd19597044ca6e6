package server

import (
	"context"
	"testing"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kolzuk/ana-language/journal"
)

// ---------------------------------------------------------------------------
// Shared test infrastructure for server package tests.
// ---------------------------------------------------------------------------

const factorialSource = `FUN_BEGIN main
    PUSH 5
    CALL fact
    PRINT
    PUSH 0
    RETURN
FUN_END

FUN_BEGIN fact integer n
    LOAD n
    PUSH 1
    CMP
    JUMP_GE base
    LOAD n
    LOAD n
    PUSH 1
    SUB
    CALL fact
    MUL
    RETURN
  LABEL base
    PUSH 1
    RETURN
FUN_END
`

// newTestExecService creates an ExecutionService with its own worker and
// run store. The worker is stopped when the test finishes.
func newTestExecService(t *testing.T, j *journal.Journal) *ExecutionService {
	t.Helper()
	worker := NewWorker()
	t.Cleanup(worker.Stop)
	return NewExecutionService(worker, NewRunStore(), j, DefaultExecOptions())
}

// newTestJournal opens an in-memory journal closed at test end.
func newTestJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(":memory:")
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func bg() context.Context {
	return context.Background()
}

// structReq wraps fields in a connect request.
func structReq(t *testing.T, fields map[string]any) *connect.Request[structpb.Struct] {
	t.Helper()
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatalf("structpb.NewStruct: %v", err)
	}
	return connect.NewRequest(msg)
}

// outputLines extracts the "output" list of a run response.
func outputLines(msg *structpb.Struct) []string {
	var lines []string
	for _, v := range msg.GetFields()["output"].GetListValue().GetValues() {
		lines = append(lines, v.GetStringValue())
	}
	return lines
}
