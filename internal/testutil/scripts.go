package testutil

// Canned plugin sources shared by protocol and supervisor tests.
const (
	// DemoScript registers one menu item whose handler says "done". It is
	// the happy-path plugin of the end-to-end tests.
	DemoScript = `
addMenuItem({ id: "go", label: "Go" });
onMenuClick("go", function () {
  say("done");
});
`

	// SilentScript loads cleanly and registers nothing.
	SilentScript = `var loaded = true;`

	// ThrowOnLoadScript fails top-level evaluation, which is fatal to the
	// host.
	ThrowOnLoadScript = `throw new Error("boom on load");`

	// SpinHandlerScript registers a handler that never returns, for
	// deadline enforcement tests.
	SpinHandlerScript = `
addMenuItem({ id: "spin", label: "Spin" });
onMenuClick("spin", function () {
  for (;;) {}
});
`
)
