// Package bundle reads function bundles and resolves sibling routes.
//
// A bundle is a directory holding a manifest (an OCI runtime config.json) and,
// while its function is serving, a rendezvous socket at <bundle>.sock next to
// the directory. Sibling discovery uses nothing but this filesystem state:
//
//	loc := bundle.NewLocator(cfg)
//	route, ok, err := loc.Locate(ctx)
//	if err != nil {
//	    return err // ctx cancelled
//	}
//	if !ok {
//	    // no sibling is serving yet
//	}
//
// A manifest qualifies when its target.function and target.address
// annotations are non-empty and its socket file exists. Locate rescans on
// every call, so results change as siblings start and stop.
//
// Watcher turns filesystem events under the scan root into a coalesced
// change signal for callers that wait on a sibling to appear.
package bundle
