// Package relay connects WebAssembly function instances that run side by
// side on one host and lets them call each other.
//
// Each function instance is laid out as a bundle: a directory holding an
// OCI-style config.json manifest and a rootfs with the guest modules. A
// running instance listens on a rendezvous socket next to its bundle
// (<bundle>.sock). Guests reach their siblings through a single host
// import, and the relay finds the sibling, moves the bytes and writes the
// answer back into guest memory.
//
// # Architecture Overview
//
// The module is organized into packages with distinct responsibilities:
//
//	relay/
//	├── config/        Explicit configuration: bundle path, scan root, retry and bootstrap pacing
//	├── errors/        Structured Phase/Kind errors
//	├── bundle/        Manifests, routes, the sibling locator and the scan-root watcher
//	├── transport/     Unix socket client with rediscovery, TCP push and bootstrap receive
//	├── engine/        Shared wazero engine, sessions, guest memory and capability checks
//	├── transfer/      Copy a buffer from the main module into a co-located module
//	├── bridge/        The wasi_export.read_memory_host host function
//	├── invoke/        Invocation server: local socket, network bootstrap and stop
//	├── lifecycle/     Start/kill/wait/delete of one instance
//	├── metrics/       Prometheus collectors
//	└── cmd/relay/     Command-line front end and route browser
//
// # Guest Contract
//
// A main module exports memory, allocate_memory, deallocate_memory, start
// and _start. It may import
//
//	(import "wasi_export" "read_memory_host" (func (param i32 i32) (result i32)))
//
// and call it with the address and length of a request in its own memory.
// The return value is the length of the response now stored at the same
// address, or 0 when the request was delivered without a response.
//
// # Quick Start
//
// Run a bundle and answer one request:
//
//	cfg := config.Default()
//	cfg.BundlePath = "/run/functions/ns/echo"
//
//	inst, err := lifecycle.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := inst.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	exit := <-inst.Wait()
//	os.Exit(exit.Status)
//
// Send a request to it from another process:
//
//	client := transport.NewSocketClient(bundle.NewLocator(cfg), cfg)
//	resp, err := client.Request(ctx, payload, cfg.BundlePath)
//
// # Concurrency
//
// All guest calls go through engine.Engine.Do, which serializes access to
// the shared engine. A host function invoked from inside a call reuses the
// caller's session through the context, so bridge calls never deadlock.
package relay
