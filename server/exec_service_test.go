package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"
)

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func TestRun_Factorial(t *testing.T) {
	svc := newTestExecService(t, nil)

	resp, err := svc.Run(bg(), structReq(t, map[string]any{"source": factorialSource}))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	fields := resp.Msg.GetFields()
	if got := fields["exit_code"].GetNumberValue(); got != 0 {
		t.Errorf("exit_code = %v, want 0", got)
	}
	if out := outputLines(resp.Msg); len(out) != 1 || out[0] != "120" {
		t.Errorf("output = %v, want [120]", out)
	}
	if fields["run_id"].GetStringValue() == "" {
		t.Error("Run should return a run id")
	}
	if _, ok := fields["error"]; ok {
		t.Errorf("unexpected error field: %v", fields["error"])
	}
	stats := fields["stats"].GetStructValue().GetFields()
	if stats["calls"].GetNumberValue() != 5 {
		t.Errorf("calls = %v, want 5", stats["calls"].GetNumberValue())
	}
}

func TestRun_Abort(t *testing.T) {
	svc := newTestExecService(t, nil)

	src := "FUN_BEGIN main\n    PUSH 1\n    PUSH 0\n    DIV\n    RETURN\nFUN_END\n"
	resp, err := svc.Run(bg(), structReq(t, map[string]any{"source": src}))
	if err != nil {
		t.Fatalf("a runtime abort should not be an RPC error: %v", err)
	}
	fields := resp.Msg.GetFields()
	if got := fields["exit_code"].GetNumberValue(); got != 1 {
		t.Errorf("exit_code = %v, want 1", got)
	}
	if kind := fields["error_kind"].GetStringValue(); kind != "divide by zero" {
		t.Errorf("error_kind = %q, want %q", kind, "divide by zero")
	}
}

func TestRun_EntryOverride(t *testing.T) {
	svc := newTestExecService(t, nil)

	src := "FUN_BEGIN start\n    PUSH 7\n    RETURN\nFUN_END\n"
	resp, err := svc.Run(bg(), structReq(t, map[string]any{"source": src, "entry": "start"}))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if got := resp.Msg.GetFields()["exit_code"].GetNumberValue(); got != 7 {
		t.Errorf("exit_code = %v, want 7", got)
	}
}

func TestRun_HeapCapacityOverride(t *testing.T) {
	svc := newTestExecService(t, nil)

	src := "FUN_BEGIN main\n    PUSH 8\n    NEW_ARRAY\n    ARRAY_STORE a\n    PUSH 0\n    RETURN\nFUN_END\n"
	resp, err := svc.Run(bg(), structReq(t, map[string]any{"source": src, "heap_capacity": 4}))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if kind := resp.Msg.GetFields()["error_kind"].GetStringValue(); kind != "resource exhaustion" {
		t.Errorf("error_kind = %q, want %q", kind, "resource exhaustion")
	}
}

func TestRun_InvalidRequests(t *testing.T) {
	svc := newTestExecService(t, nil)
	svc.opts.MaxSourceBytes = 64

	cases := []struct {
		name   string
		fields map[string]any
		code   connect.Code
	}{
		{"empty source", map[string]any{"source": "  "}, connect.CodeInvalidArgument},
		{"parse error", map[string]any{"source": "BOGUS\n"}, connect.CodeInvalidArgument},
		{"missing entry", map[string]any{"source": "FUN_BEGIN f\nFUN_END\n"}, connect.CodeInvalidArgument},
		{"too large", map[string]any{"source": strings.Repeat("PUSH 1\n", 20)}, connect.CodeResourceExhausted},
		{"bad heap", map[string]any{"source": factorialSource[:40], "heap_capacity": -1}, connect.CodeInvalidArgument},
		{"huge heap", map[string]any{"source": factorialSource[:40], "heap_capacity": 1e15}, connect.CodeInvalidArgument},
		{"heap above ceiling", map[string]any{"source": factorialSource[:40], "heap_capacity": MaxHeapCapacity + 1}, connect.CodeInvalidArgument},
		{"fractional heap", map[string]any{"source": factorialSource[:40], "heap_capacity": 2.5}, connect.CodeInvalidArgument},
		{"bad policy", map[string]any{"source": "FUN_BEGIN main\nFUN_END\n", "heap_access": "lenient"}, connect.CodeInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Run(bg(), structReq(t, tc.fields))
			if err == nil {
				t.Fatal("expected error")
			}
			if got := connect.CodeOf(err); got != tc.code {
				t.Errorf("code = %v, want %v (%v)", got, tc.code, err)
			}
		})
	}
}

func TestRun_HeapCapacityCeiling(t *testing.T) {
	svc := newTestExecService(t, nil)
	svc.opts.MaxHeapCapacity = 100

	src := "FUN_BEGIN main\n    PUSH 0\n    RETURN\nFUN_END\n"
	if _, err := svc.Run(bg(), structReq(t, map[string]any{"source": src, "heap_capacity": 100})); err != nil {
		t.Fatalf("heap_capacity at the ceiling: %v", err)
	}
	_, err := svc.Run(bg(), structReq(t, map[string]any{"source": src, "heap_capacity": 101}))
	if connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Errorf("code = %v, want InvalidArgument", connect.CodeOf(err))
	}
	if svc.runs.Len() != 1 {
		t.Errorf("stored runs = %d, want 1", svc.runs.Len())
	}
}

// ---------------------------------------------------------------------------
// Check
// ---------------------------------------------------------------------------

func TestCheck_Valid(t *testing.T) {
	svc := newTestExecService(t, nil)

	resp, err := svc.Check(bg(), structReq(t, map[string]any{"source": factorialSource}))
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	fields := resp.Msg.GetFields()
	if !fields["valid"].GetBoolValue() {
		t.Error("factorial source should be valid")
	}
	var names []string
	for _, v := range fields["functions"].GetListValue().GetValues() {
		names = append(names, v.GetStringValue())
	}
	if strings.Join(names, ",") != "main,fact" {
		t.Errorf("functions = %v, want [main fact]", names)
	}
}

func TestCheck_Invalid(t *testing.T) {
	svc := newTestExecService(t, nil)

	resp, err := svc.Check(bg(), structReq(t, map[string]any{"source": "FUN_BEGIN main\n    PUSH\nFUN_END\n"}))
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	fields := resp.Msg.GetFields()
	if fields["valid"].GetBoolValue() {
		t.Error("source with a parse error should be invalid")
	}
	diags := fields["diagnostics"].GetListValue().GetValues()
	if len(diags) != 1 {
		t.Fatalf("diagnostics = %d, want 1", len(diags))
	}
	d := diags[0].GetStructValue().GetFields()
	if d["line"].GetNumberValue() != 2 || d["severity"].GetStringValue() != "error" {
		t.Errorf("diagnostic = %v", d)
	}
}

// ---------------------------------------------------------------------------
// GetRun
// ---------------------------------------------------------------------------

func TestGetRun_InMemory(t *testing.T) {
	svc := newTestExecService(t, nil)

	resp, err := svc.Run(bg(), structReq(t, map[string]any{"source": factorialSource}))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	id := resp.Msg.GetFields()["run_id"].GetStringValue()

	got, err := svc.GetRun(bg(), structReq(t, map[string]any{"run_id": id}))
	if err != nil {
		t.Fatalf("GetRun returned error: %v", err)
	}
	if out := outputLines(got.Msg); len(out) != 1 || out[0] != "120" {
		t.Errorf("output = %v, want [120]", out)
	}
}

func TestGetRun_FromJournal(t *testing.T) {
	j := newTestJournal(t)
	svc := newTestExecService(t, j)

	resp, err := svc.Run(bg(), structReq(t, map[string]any{"source": factorialSource}))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	id := resp.Msg.GetFields()["run_id"].GetStringValue()

	// Drop the in-memory copy; the journal still has it.
	svc.runs.Release(id)

	got, err := svc.GetRun(bg(), structReq(t, map[string]any{"run_id": id}))
	if err != nil {
		t.Fatalf("GetRun returned error: %v", err)
	}
	if out := outputLines(got.Msg); len(out) != 1 || out[0] != "120" {
		t.Errorf("output = %v, want [120]", out)
	}
	if n, _ := j.Count(bg()); n != 1 {
		t.Errorf("journal count = %d, want 1", n)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	svc := newTestExecService(t, newTestJournal(t))

	_, err := svc.GetRun(bg(), structReq(t, map[string]any{"run_id": "nope"}))
	if connect.CodeOf(err) != connect.CodeNotFound {
		t.Errorf("code = %v, want NotFound", connect.CodeOf(err))
	}

	_, err = svc.GetRun(bg(), structReq(t, map[string]any{}))
	if connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Errorf("code = %v, want InvalidArgument", connect.CodeOf(err))
	}
}

// ---------------------------------------------------------------------------
// ListRuns
// ---------------------------------------------------------------------------

func runEntries(t *testing.T, svc *ExecutionService, entries ...string) {
	t.Helper()
	for _, e := range entries {
		src := "FUN_BEGIN " + e + "\n    PUSH 0\n    RETURN\nFUN_END\n"
		if _, err := svc.Run(bg(), structReq(t, map[string]any{"source": src, "entry": e})); err != nil {
			t.Fatalf("Run %s: %v", e, err)
		}
	}
}

func listedEntries(msg *structpb.Struct) []string {
	var names []string
	for _, v := range msg.GetFields()["runs"].GetListValue().GetValues() {
		names = append(names, v.GetStructValue().GetFields()["entry"].GetStringValue())
	}
	return names
}

func TestListRuns_FromJournal(t *testing.T) {
	svc := newTestExecService(t, newTestJournal(t))
	runEntries(t, svc, "first", "second", "third")

	resp, err := svc.ListRuns(bg(), structReq(t, map[string]any{"limit": 2}))
	if err != nil {
		t.Fatalf("ListRuns returned error: %v", err)
	}
	if got := strings.Join(listedEntries(resp.Msg), ","); got != "third,second" {
		t.Errorf("entries = %q, want %q", got, "third,second")
	}
	if total := resp.Msg.GetFields()["total"].GetNumberValue(); total != 3 {
		t.Errorf("total = %v, want 3", total)
	}
}

func TestListRuns_InMemory(t *testing.T) {
	svc := newTestExecService(t, nil)
	runEntries(t, svc, "first", "second")

	resp, err := svc.ListRuns(bg(), structReq(t, map[string]any{}))
	if err != nil {
		t.Fatalf("ListRuns returned error: %v", err)
	}
	if got := strings.Join(listedEntries(resp.Msg), ","); got != "second,first" {
		t.Errorf("entries = %q, want %q", got, "second,first")
	}
	first := resp.Msg.GetFields()["runs"].GetListValue().GetValues()[0].GetStructValue().GetFields()
	if first["run_id"].GetStringValue() == "" || first["started_at"].GetStringValue() == "" {
		t.Errorf("summary missing run_id or started_at: %v", first)
	}
}

func TestListRuns_BadLimit(t *testing.T) {
	svc := newTestExecService(t, nil)

	for _, limit := range []any{0, -3, 1.5} {
		_, err := svc.ListRuns(bg(), structReq(t, map[string]any{"limit": limit}))
		if connect.CodeOf(err) != connect.CodeInvalidArgument {
			t.Errorf("limit %v: code = %v, want InvalidArgument", limit, connect.CodeOf(err))
		}
	}
}

// ---------------------------------------------------------------------------
// Over HTTP
// ---------------------------------------------------------------------------

func TestExecServer_ConnectRoundTrip(t *testing.T) {
	s := New(WithJournal(newTestJournal(t)))
	defer s.Stop()

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	client := connect.NewClient[structpb.Struct, structpb.Struct](http.DefaultClient, srv.URL+RunProcedure)
	msg, err := structpb.NewStruct(map[string]any{"source": factorialSource})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := client.CallUnary(bg(), connect.NewRequest(msg))
	if err != nil {
		t.Fatalf("CallUnary: %v", err)
	}
	if out := outputLines(resp.Msg); len(out) != 1 || out[0] != "120" {
		t.Errorf("output = %v, want [120]", out)
	}
	if s.Runs().Len() != 1 {
		t.Errorf("stored runs = %d, want 1", s.Runs().Len())
	}
}

func TestExecServer_UnknownProcedure(t *testing.T) {
	s := New()
	defer s.Stop()

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	client := connect.NewClient[structpb.Struct, structpb.Struct](http.DefaultClient, srv.URL+"/ana.v1.ExecutionService/Nope")
	_, err := client.CallUnary(bg(), connect.NewRequest(&structpb.Struct{}))
	var cerr *connect.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *connect.Error", err)
	}
	if cerr.Code() != connect.CodeUnimplemented && cerr.Code() != connect.CodeNotFound {
		t.Errorf("code = %v, want Unimplemented or NotFound", cerr.Code())
	}
}
