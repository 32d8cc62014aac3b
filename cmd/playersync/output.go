package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// streamNotifier prints user-facing notices to a terminal stream.
type streamNotifier struct {
	w  io.Writer
	mu sync.Mutex
}

func (n *streamNotifier) Info(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintln(n.w, msg)
}

func (n *streamNotifier) Error(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintf(n.w, "error: %s\n", msg)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
