package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kolzuk/ana-language/config"
	"github.com/kolzuk/ana-language/server"
)

// runRemote sends the assembly file at path to an execution service and
// prints its output. It returns the remote run's exit code.
func runRemote(addr, path string, cfg *config.Config, stdout, stderr io.Writer) (int64, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	req, err := remoteRequest(string(source), cfg)
	if err != nil {
		return 0, err
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return 0, fmt.Errorf("connect %s: %w", addr, err)
	}
	defer conn.Close()

	timeout := cfg.RunTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout+5*time.Second)
	defer cancel()

	resp := &structpb.Struct{}
	if err := conn.Invoke(ctx, server.RunProcedure, req, resp); err != nil {
		return 0, err
	}
	return printRun(resp, stdout, stderr), nil
}

func remoteRequest(source string, cfg *config.Config) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"source":        source,
		"entry":         cfg.VM.Entry,
		"heap_capacity": cfg.VM.HeapCapacity,
		"heap_access":   cfg.VM.HeapAccess,
	})
}

// printRun writes a run response's output lines to stdout and its error,
// if any, to stderr. It returns the run's exit code.
func printRun(resp *structpb.Struct, stdout, stderr io.Writer) int64 {
	fields := resp.GetFields()
	for _, v := range fields["output"].GetListValue().GetValues() {
		fmt.Fprintln(stdout, v.GetStringValue())
	}
	if msg := fields["error"].GetStringValue(); msg != "" {
		fmt.Fprintf(stderr, "Error: %s\n", msg)
	}
	return int64(fields["exit_code"].GetNumberValue())
}
