package rpcclient

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"
)

// fakeNode is a minimal JSON-RPC-over-TCP server used to drive Client
// without a real Meros node.
type fakeNode struct {
	ln net.Listener
}

func startFakeNode(t *testing.T, handle func(method string, params json.RawMessage) (any, *rpcError)) *fakeNode {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	n := &fakeNode{ln: ln}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				return
			}
			var req struct {
				ID     uint64          `json:"id"`
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}
			if err := json.Unmarshal(line, &req); err != nil {
				continue
			}
			result, rerr := handle(req.Method, req.Params)
			resp := response{ID: req.ID, Error: rerr}
			if rerr == nil {
				b, _ := json.Marshal(result)
				resp.Result = b
			}
			out, _ := json.Marshal(resp)
			out = append(out, '\n')
			conn.Write(out)
		}
	}()

	return n
}

func (n *fakeNode) Close() { n.ln.Close() }

func TestGetHeight(t *testing.T) {
	node := startFakeNode(t, func(method string, params json.RawMessage) (any, *rpcError) {
		if method != "merit_getHeight" {
			return nil, &rpcError{Code: -32601, Message: "method not found"}
		}
		return 12345, nil
	})
	defer node.Close()

	cfg := DefaultConfig(node.ln.Addr().String())
	cfg.ReconnectDelay = 10 * time.Millisecond
	c := New(cfg)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	height, err := c.GetHeight(ctx)
	if err != nil {
		t.Fatalf("GetHeight: %v", err)
	}
	if height != 12345 {
		t.Errorf("height = %d, want 12345", height)
	}
}

func TestPublishBlockRejected(t *testing.T) {
	node := startFakeNode(t, func(method string, params json.RawMessage) (any, *rpcError) {
		return false, nil
	})
	defer node.Close()

	cfg := DefaultConfig(node.ln.Addr().String())
	cfg.ReconnectDelay = 10 * time.Millisecond
	c := New(cfg)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	accepted, err := c.PublishBlock(ctx, 1, "deadbeef")
	if err != nil {
		t.Fatalf("PublishBlock: %v", err)
	}
	if accepted {
		t.Error("expected block rejected")
	}
}

func TestNodeErrorNotRetried(t *testing.T) {
	calls := 0
	node := startFakeNode(t, func(method string, params json.RawMessage) (any, *rpcError) {
		calls++
		return nil, &rpcError{Code: 1, Message: "boom"}
	})
	defer node.Close()

	cfg := DefaultConfig(node.ln.Addr().String())
	cfg.ReconnectDelay = 10 * time.Millisecond
	c := New(cfg)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.GetHeight(ctx)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected exactly one call, got %d", calls)
	}
}

func TestOnReconnectAndOnLatencyHooks(t *testing.T) {
	node := startFakeNode(t, func(method string, params json.RawMessage) (any, *rpcError) {
		return 1, nil
	})
	defer node.Close()

	cfg := DefaultConfig(node.ln.Addr().String())
	cfg.ReconnectDelay = 10 * time.Millisecond
	var reconnects int
	var latencyCalls int
	cfg.OnReconnect = func() { reconnects++ }
	cfg.OnLatency = func(method string, d time.Duration) {
		latencyCalls++
		if method != "merit_getHeight" {
			t.Errorf("OnLatency method = %q, want merit_getHeight", method)
		}
	}
	c := New(cfg)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := c.GetHeight(ctx); err != nil {
		t.Fatalf("GetHeight: %v", err)
	}
	if reconnects != 1 {
		t.Errorf("reconnects = %d, want 1", reconnects)
	}
	if latencyCalls != 1 {
		t.Errorf("latencyCalls = %d, want 1", latencyCalls)
	}
}

func TestGetBlockTemplateParsesBundledDifficulty(t *testing.T) {
	node := startFakeNode(t, func(method string, params json.RawMessage) (any, *rpcError) {
		return getBlockTemplateResult{
			ID:         7,
			Key:        strings.Repeat("00", 32),
			Header:     "deadbeef",
			Difficulty: "0x2a",
		}, nil
	})
	defer node.Close()

	cfg := DefaultConfig(node.ln.Addr().String())
	cfg.ReconnectDelay = 10 * time.Millisecond
	c := New(cfg)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tmpl, err := c.GetBlockTemplate(ctx, "aabb")
	if err != nil {
		t.Fatalf("GetBlockTemplate: %v", err)
	}
	if tmpl.ID != 7 || tmpl.Difficulty != 42 {
		t.Errorf("got %+v", tmpl)
	}
}
