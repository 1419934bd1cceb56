// Package extension loads, activates, deactivates and unloads extension
// packages at runtime.
//
// A Controller owns every loaded extension. Extensions are located by a
// URL under the host origin; the Controller sandboxes the location,
// resolves and validates the package.json manifest, registers the
// extension's contributions and activation events, and activates it when
// one of those events is dispatched (or immediately for "*").
//
// Activation runs the entry point's activate hook through an injected
// host.PluginHost. Concurrent activation requests for one extension share
// a single in-flight attempt; a failed attempt leaves the extension
// inactive and may be retried.
//
// Basic usage:
//
//	sb, _ := sandbox.New("https://ide.example")
//	ctrl, _ := extension.NewController(extension.Config{
//		Sandbox: sb,
//		Fetcher: fetch.NewHTTPFetcher(),
//		Host:    mux,
//	})
//	ext, err := ctrl.Load(ctx, "/extensions/acme.demo/")
//	...
//	err = ctrl.Dispatch(ctx, "onLanguage:go")
package extension
