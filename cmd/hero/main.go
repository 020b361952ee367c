// Command hero serves registered actions over HTTP, WebSocket and MCP and
// processes queued tasks.
package main

import (
	"fmt"
	"os"
	"runtime"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/hero/
var version = "dev"

const usage = `usage: hero <command> [flags]

commands:
  serve     run the HTTP/WebSocket server, job runner and scheduler (default)
  mcp       serve actions as MCP tools over stdio
  enqueue   queue a task: hero enqueue [-queue q] [-in 5m] [-params '{}'] <task>
  jobs      list jobs, or show one with -id
  prune     delete finished jobs
  check     validate an actions directory
  install   write ~/.hero/settings.json and reload a running server
  version   print the version
`

func main() {
	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 {
		switch a := args[0]; {
		case a == "-h", a == "--help", a == "-v", a == "--version":
			cmd, args = a, args[1:]
		case a != "" && a[0] != '-':
			cmd, args = a, args[1:]
		}
	}

	switch cmd {
	case "serve":
		runServe(args)
	case "mcp":
		runMCP(args)
	case "enqueue":
		runEnqueue(args)
	case "jobs":
		runJobs(args)
	case "prune":
		runPrune(args)
	case "check":
		runCheck(args)
	case "install":
		runInstall(args)
	case "version", "-v", "--version":
		fmt.Printf("hero %s (%s %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
}
