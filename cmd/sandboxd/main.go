// Command sandboxd is the verification sandbox worker.
//
// It reads one JSON verification request from stdin, runs the full check
// pipeline over the enclosed file snapshot, writes one JSON response to
// stdout, and exits. The parent process (verify.SubprocessRunner) owns
// the wall-clock timeout and kills the worker on expiry.
//
// The worker is deliberately inert: it receives file contents and a
// capability matrix, never a live VFS handle, and it performs no I/O
// beyond the stdio protocol.
package main

import (
	"encoding/json"
	"io"
	"log"
	"os"

	"github.com/clocksmith/reploid/verify"
)

// maxRequestBytes bounds the request body so a runaway parent cannot
// balloon the worker.
const maxRequestBytes = 64 << 20 // 64MB

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmsgprefix)
	log.SetPrefix("[sandboxd] ")

	body, err := io.ReadAll(io.LimitReader(os.Stdin, maxRequestBytes))
	if err != nil {
		log.Fatalf("read request: %v", err)
	}
	var req verify.Request
	if err := json.Unmarshal(body, &req); err != nil {
		log.Fatalf("decode request: %v", err)
	}

	resp := verify.RunChecks(req)

	out, err := json.Marshal(resp)
	if err != nil {
		log.Fatalf("encode response: %v", err)
	}
	if _, err := os.Stdout.Write(out); err != nil {
		log.Fatalf("write response: %v", err)
	}
}
