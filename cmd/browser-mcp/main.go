// Command browser-mcp is the control-plane server: it reads line-delimited
// JSON-RPC requests from stdin and writes responses to stdout, translating
// a small tool surface into CDP traffic against one owned browser tab per
// process. See SPEC_FULL.md for the full fabric this wires together.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/browsermcp/gateway/internal/artifacts"
	"github.com/browsermcp/gateway/internal/audit"
	"github.com/browsermcp/gateway/internal/bridge"
	"github.com/browsermcp/gateway/internal/config"
	"github.com/browsermcp/gateway/internal/logging"
	"github.com/browsermcp/gateway/internal/mcp"
	"github.com/browsermcp/gateway/internal/session"
)

var serverVersion = "dev"

func main() {
	debug := flag.Bool("debug", false, "enable debug-level logging to stderr")
	dataDir := flag.String("data-dir", "", "root directory for artifacts/downloads/memory (default: ./data)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "browser-mcp: config: %v\n", err)
		os.Exit(1)
	}
	if cfg.ServerVersion == "dev" {
		cfg.ServerVersion = serverVersion
	}

	log := logging.New(*debug || cfg.NativeHostDebug, os.Stderr)

	root := *dataDir
	if root == "" {
		root = "data"
	}
	if cfg.AgentMemoryDir == "" {
		cfg.AgentMemoryDir = filepath.Join(root, "memory")
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(root, "downloads")
	}

	store := artifacts.New(filepath.Join(root, "artifacts"))
	trail := audit.NewAuditTrail(audit.AuditConfig{Enabled: true, RedactParams: true})

	mgr := session.New(cfg, store, log)

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if err := mgr.Start(ctx); err != nil {
		log.Error("starting session backend", "err", err)
		fmt.Fprintf(os.Stderr, "browser-mcp: starting backend: %v\n", err)
		os.Exit(1)
	}
	defer mgr.Stop()

	log.Info("browser-mcp starting", "mode", cfg.Mode, "policy", cfg.Policy, "version", cfg.ServerVersion)

	srv := &server{
		cfg:    cfg,
		log:    log,
		mgr:    mgr,
		store:  store,
		audit:  trail,
		outbox: filepath.Join(root, "outbox"),
	}

	runStdio(ctx, srv)
}

// server bundles the fabric a tool dispatch needs: the session manager,
// the artifact store, and the audit trail every tools/call is recorded
// against. Tool handlers proper are an external collaborator per spec.md
// §1 — this dispatch exists only to exercise the fabric end to end.
type server struct {
	cfg   config.BrowserConfig
	log   *slog.Logger
	mgr   *session.Manager
	store *artifacts.Store
	audit *audit.AuditTrail
	outbox string

	initialized bool
}

// runStdio drains line-delimited (or Content-Length framed) JSON-RPC
// requests from stdin until EOF or ctx is cancelled, writing one response
// line per request to stdout.
func runStdio(ctx context.Context, srv *server) {
	reader := bufio.NewReaderSize(os.Stdin, 64*1024)
	writer := bufio.NewWriter(os.Stdout)
	defer writer.Flush()

	const maxBody = 16 * 1024 * 1024

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw, err := bridge.ReadStdioMessage(reader, maxBody)
		if err != nil {
			return
		}
		if len(raw) == 0 {
			continue
		}

		var req mcp.JSONRPCRequest
		if jsonErr := json.Unmarshal(raw, &req); jsonErr != nil {
			writeResponse(writer, mcp.JSONRPCResponse{
				JSONRPC: "2.0",
				Error:   &mcp.JSONRPCError{Code: -32700, Message: "Parse error: " + jsonErr.Error()},
			})
			continue
		}

		resp := srv.handle(req)
		if !req.HasID() && !req.HasInvalidID() {
			// Notification (no id): MCP forbids a response.
			continue
		}
		writeResponse(writer, resp)
	}
}

func writeResponse(w *bufio.Writer, resp mcp.JSONRPCResponse) {
	resp.JSONRPC = "2.0"
	b, err := json.Marshal(resp)
	if err != nil {
		return
	}
	w.Write(b)
	w.WriteByte('\n')
	w.Flush()
}
