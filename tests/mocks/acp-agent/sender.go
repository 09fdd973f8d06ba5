package main

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

var sendMu sync.Mutex

// send serializes writes to stdout so concurrent prompt goroutines and the
// main loop never interleave frames.
func (a *mockAgent) send(msg any) {
	raw, err := json.Marshal(msg)
	if err != nil {
		a.logf("marshal failed: %v", err)
		return
	}
	sendMu.Lock()
	defer sendMu.Unlock()
	a.logf("-> %s", raw)
	fmt.Fprintf(a.writer, "%s\n", raw)
}

func (a *mockAgent) sendResult(id json.RawMessage, result any) {
	a.send(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	})
}

func (a *mockAgent) sendError(id json.RawMessage, code int, message string) {
	a.send(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   rpcError{Code: code, Message: message},
	})
}

func (a *mockAgent) notify(method string, params any) {
	a.send(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
}

func (a *mockAgent) sendUpdate(sid string, update json.RawMessage) {
	a.notify("session/update", sessionUpdate{SessionID: sid, Update: update})
}

// callClient sends a request to the client and blocks until the reply
// arrives on the read loop or the timeout fires.
func (a *mockAgent) callClient(method string, params any) (json.RawMessage, *rpcError, error) {
	a.pendingMu.Lock()
	a.nextID++
	id := a.nextID
	ch := make(chan clientReply, 1)
	a.pending[id] = ch
	a.pendingMu.Unlock()

	a.send(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})

	select {
	case reply := <-ch:
		return reply.result, reply.err, nil
	case <-time.After(30 * time.Second):
		a.pendingMu.Lock()
		delete(a.pending, id)
		a.pendingMu.Unlock()
		return nil, nil, fmt.Errorf("client did not answer %s", method)
	}
}

// handleReply routes a response frame to the goroutine waiting in
// callClient.
func (a *mockAgent) handleReply(msg envelope) {
	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		a.logf("dropping reply with non-numeric id %s", msg.ID)
		return
	}
	a.pendingMu.Lock()
	ch, ok := a.pending[id]
	delete(a.pending, id)
	a.pendingMu.Unlock()
	if !ok {
		a.logf("dropping reply for unknown id %d", id)
		return
	}
	ch <- clientReply{result: msg.Result, err: msg.Error}
}
