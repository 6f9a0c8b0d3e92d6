package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	flowerrors "github.com/meow-stack/toolflow/internal/errors"
	"github.com/meow-stack/toolflow/internal/testutil"
)

// peer plays the tool server side of a Conn.
type peer struct {
	t   *testing.T
	in  *bufio.Reader
	out io.WriteCloser
}

func newTestConn(t *testing.T) (*Conn, *peer, *testutil.TestLogger) {
	t.Helper()
	return newTestConnMaxLine(t, 0)
}

// newTestConnMaxLine is newTestConn with a line limit; zero keeps the
// default.
func newTestConnMaxLine(t *testing.T, maxLine int) (*Conn, *peer, *testutil.TestLogger) {
	t.Helper()
	clientR, peerW := io.Pipe()
	peerR, clientW := io.Pipe()

	logs := testutil.NewTestLogger(t)
	conn := NewConn(clientR, clientW, logs.Logger)
	conn.SetMaxLineSize(maxLine)
	conn.Start()

	t.Cleanup(func() {
		conn.Close()
		peerW.Close()
		peerR.Close()
	})
	return conn, &peer{t: t, in: bufio.NewReader(peerR), out: peerW}, logs
}

func (p *peer) read() *Message {
	line, err := p.in.ReadBytes('\n')
	if err != nil {
		p.t.Errorf("peer read error: %v", err)
		return nil
	}
	msg, err := ParseMessage(line)
	if err != nil {
		p.t.Errorf("peer received malformed message %q: %v", line, err)
		return nil
	}
	return msg
}

func (p *peer) send(line string) {
	if _, err := p.out.Write([]byte(line + "\n")); err != nil {
		p.t.Errorf("peer write error: %v", err)
	}
}

func (p *peer) reply(id json.RawMessage, result string) {
	p.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":%s}`, id, result))
}

type callOutcome struct {
	result json.RawMessage
	err    error
}

func callAsync(conn *Conn, ctx context.Context, method string, params any, timeout time.Duration) <-chan callOutcome {
	ch := make(chan callOutcome, 1)
	go func() {
		res, err := conn.Call(ctx, method, params, timeout)
		ch <- callOutcome{res, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan callOutcome) callOutcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("call did not return in time")
		return callOutcome{}
	}
}

func TestConn_CallRoundTrip(t *testing.T) {
	conn, p, _ := newTestConn(t)

	ch := callAsync(conn, context.Background(), MethodToolsCall, CallToolParams{Name: "collect"}, 0)

	req := p.read()
	if req.Method != MethodToolsCall {
		t.Errorf("Method = %q, want tools/call", req.Method)
	}
	if string(req.ID) != "1" {
		t.Errorf("first request id = %s, want 1", req.ID)
	}
	p.reply(req.ID, `{"content":[{"type":"text","text":"ok"}]}`)

	out := await(t, ch)
	if out.err != nil {
		t.Fatalf("Call() error = %v", out.err)
	}
	if string(out.result) != `{"content":[{"type":"text","text":"ok"}]}` {
		t.Errorf("result = %s", out.result)
	}
}

func TestConn_IDsIncrease(t *testing.T) {
	conn, p, _ := newTestConn(t)

	for want := 1; want <= 3; want++ {
		ch := callAsync(conn, context.Background(), MethodToolsList, nil, 0)
		req := p.read()
		if string(req.ID) != fmt.Sprint(want) {
			t.Errorf("request id = %s, want %d", req.ID, want)
		}
		p.reply(req.ID, `{"tools":[]}`)
		if out := await(t, ch); out.err != nil {
			t.Fatalf("Call() error = %v", out.err)
		}
	}
}

func TestConn_OutOfOrderResponses(t *testing.T) {
	conn, p, _ := newTestConn(t)

	first := callAsync(conn, context.Background(), "first", nil, 0)
	reqA := p.read()
	second := callAsync(conn, context.Background(), "second", nil, 0)
	reqB := p.read()

	// Answer in reverse order, echoing the method so results can be told apart.
	p.reply(reqB.ID, fmt.Sprintf("%q", reqB.Method))
	p.reply(reqA.ID, fmt.Sprintf("%q", reqA.Method))

	if out := await(t, first); string(out.result) != `"first"` {
		t.Errorf("first result = %s, err = %v", out.result, out.err)
	}
	if out := await(t, second); string(out.result) != `"second"` {
		t.Errorf("second result = %s, err = %v", out.result, out.err)
	}
}

func TestConn_MalformedLinesDiscarded(t *testing.T) {
	conn, p, logs := newTestConn(t)

	ch := callAsync(conn, context.Background(), MethodToolsList, nil, 0)
	req := p.read()

	p.send("Starting server on stdio...")
	p.send("")
	p.send(`{"jsonrpc":"2.0"}`)
	p.send(`{"jsonrpc":"2.0","id":`)
	p.reply(req.ID, `{"tools":[]}`)

	out := await(t, ch)
	if out.err != nil {
		t.Fatalf("Call() error = %v", out.err)
	}
	if n := len(logs.EntriesContaining("discarding malformed line")); n != 3 {
		t.Errorf("malformed line warnings = %d, want 3", n)
	}
}

func TestConn_OversizedLineDiscarded(t *testing.T) {
	conn, p, logs := newTestConnMaxLine(t, 64)

	ch := callAsync(conn, context.Background(), MethodToolsList, nil, 0)
	req := p.read()

	p.send(`{"jsonrpc":"2.0","method":"log","params":{"text":"` + strings.Repeat("x", 500) + `"}}`)
	p.reply(req.ID, `{"tools":[]}`)

	out := await(t, ch)
	if out.err != nil {
		t.Fatalf("Call() error = %v", out.err)
	}
	testutil.AssertEqual(t, `{"tools":[]}`, string(out.result))
	if n := len(logs.EntriesContaining("discarding oversized line")); n != 1 {
		t.Errorf("oversized line warnings = %d, want 1", n)
	}
	select {
	case <-conn.Done():
		t.Error("connection closed after an oversized line")
	default:
	}
}

func TestConn_NotificationFanOut(t *testing.T) {
	conn, p, _ := newTestConn(t)

	var mu sync.Mutex
	var got []string
	for _, name := range []string{"a", "b"} {
		name := name
		conn.Subscribe(func(method string, params json.RawMessage) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, name+":"+method)
		})
	}

	ch := callAsync(conn, context.Background(), MethodToolsList, nil, 0)
	req := p.read()
	p.send(`{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":1}}`)
	p.send(`{"jsonrpc":"2.0","method":"notifications/message"}`)
	p.reply(req.ID, `{}`)
	await(t, ch)

	mu.Lock()
	defer mu.Unlock()
	want := []string{
		"a:notifications/progress", "b:notifications/progress",
		"a:notifications/message", "b:notifications/message",
	}
	testutil.AssertEqual(t, want, got)
}

func TestConn_Timeout(t *testing.T) {
	conn, p, logs := newTestConn(t)

	ch := callAsync(conn, context.Background(), MethodToolsCall, nil, 30*time.Millisecond)
	late := p.read()

	out := await(t, ch)
	testutil.AssertErrorCode(t, out.err, flowerrors.CodeRPCTimeout)
	if conn.Pending() != 0 {
		t.Errorf("Pending() = %d after timeout, want 0", conn.Pending())
	}

	// The late response is dropped and the stream keeps working.
	p.reply(late.ID, `"too late"`)
	logs.WaitForMessage(t, "dropping response", time.Second)

	ch = callAsync(conn, context.Background(), MethodToolsList, nil, 0)
	req := p.read()
	p.reply(req.ID, `"fresh"`)
	if out := await(t, ch); out.err != nil || string(out.result) != `"fresh"` {
		t.Errorf("next call = %s, %v", out.result, out.err)
	}
}

func TestConn_TimeoutIsolation(t *testing.T) {
	conn, p, _ := newTestConn(t)

	slow := callAsync(conn, context.Background(), "slow", nil, 20*time.Millisecond)
	p.read()
	fast := callAsync(conn, context.Background(), "fast", nil, 2*time.Second)
	reqFast := p.read()

	testutil.AssertErrorCode(t, await(t, slow).err, flowerrors.CodeRPCTimeout)

	p.reply(reqFast.ID, `"ok"`)
	if out := await(t, fast); out.err != nil {
		t.Errorf("fast call error = %v", out.err)
	}
}

func TestConn_ContextCancel(t *testing.T) {
	conn, p, _ := newTestConn(t)

	ctx, cancel := context.WithCancel(context.Background())
	ch := callAsync(conn, ctx, MethodToolsCall, nil, 0)
	p.read()
	cancel()

	out := await(t, ch)
	testutil.AssertErrorCode(t, out.err, flowerrors.CodeRPCTimeout)
	if !errors.Is(out.err, context.Canceled) {
		t.Errorf("error should wrap context.Canceled: %v", out.err)
	}
}

func TestConn_RemoteError(t *testing.T) {
	conn, p, _ := newTestConn(t)

	ch := callAsync(conn, context.Background(), MethodToolsCall, nil, 0)
	req := p.read()
	p.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"error":{"code":-32602,"message":"unknown tool: nope"}}`, req.ID))

	out := await(t, ch)
	testutil.AssertErrorCode(t, out.err, flowerrors.CodeRPCRemote)
	testutil.AssertErrorContains(t, out.err, "unknown tool: nope")
}

func TestConn_CloseRejectsPending(t *testing.T) {
	conn, p, _ := newTestConn(t)

	first := callAsync(conn, context.Background(), "a", nil, 0)
	p.read()
	second := callAsync(conn, context.Background(), "b", nil, 0)
	p.read()

	p.out.Close()

	testutil.AssertErrorCode(t, await(t, first).err, flowerrors.CodeRPCClosed)
	testutil.AssertErrorCode(t, await(t, second).err, flowerrors.CodeRPCClosed)

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() not closed")
	}
	if conn.Err() == nil {
		t.Error("Err() should report the close reason")
	}

	_, err := conn.Call(context.Background(), "c", nil, 0)
	testutil.AssertErrorCode(t, err, flowerrors.CodeRPCClosed)
	testutil.AssertErrorCode(t, conn.Notify("x", nil), flowerrors.CodeRPCClosed)
}

func TestConn_RejectsServerRequests(t *testing.T) {
	_, p, _ := newTestConn(t)

	p.send(`{"jsonrpc":"2.0","id":99,"method":"sampling/createMessage"}`)
	reply := p.read()

	if string(reply.ID) != "99" {
		t.Errorf("reply id = %s, want 99", reply.ID)
	}
	if reply.Error == nil || reply.Error.Code != CodeMethodNotFound {
		t.Errorf("reply error = %+v, want -32601", reply.Error)
	}
}

func TestConn_Initialize(t *testing.T) {
	conn, p, _ := newTestConn(t)

	type initOutcome struct {
		res *InitializeResult
		err error
	}
	done := make(chan initOutcome, 1)
	go func() {
		res, err := conn.Initialize(context.Background(), Implementation{Name: "toolflow", Version: "test"}, time.Second)
		done <- initOutcome{res, err}
	}()

	req := p.read()
	if req.Method != MethodInitialize {
		t.Fatalf("first message = %q, want initialize", req.Method)
	}
	var params InitializeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("params: %v", err)
	}
	if params.ProtocolVersion != ProtocolVersion || params.ClientInfo.Name != "toolflow" {
		t.Errorf("params = %+v", params)
	}
	p.reply(req.ID, `{"protocolVersion":"2024-11-05","serverInfo":{"name":"evidence","version":"1.0"},"capabilities":{"tools":{}}}`)

	note := p.read()
	if !note.IsNotification() || note.Method != MethodInitialized {
		t.Errorf("second message = %+v, want initialized notification", note)
	}

	out := <-done
	if out.err != nil {
		t.Fatalf("Initialize() error = %v", out.err)
	}
	if out.res.ServerInfo.Name != "evidence" {
		t.Errorf("ServerInfo = %+v", out.res.ServerInfo)
	}
	if _, ok := out.res.Capabilities["tools"]; !ok {
		t.Errorf("Capabilities = %v", out.res.Capabilities)
	}
}
