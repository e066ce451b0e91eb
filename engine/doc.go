// Package engine provides the language execution backends.
//
// The engine package models per-language execution as a closed set of
// Engine variants (Python, JavaScript, TypeScript) behind one interface,
// selected once per request. The Registry owns engine lifecycle: Init
// probes interpreter availability, Ready reports per-language readiness,
// and Shutdown releases the registry. The execution engine queries the
// registry instead of polling ambient per-language state.
//
// Usage:
//
//	reg := engine.NewRegistry(logger, cfg)
//	if err := reg.Init(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	eng, err := reg.Get("python")
package engine
