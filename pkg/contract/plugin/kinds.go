package plugin

const (
	// KindLimit admission-controls requests (e.g. in-flight limits per client).
	KindLimit Kind = "limit"

	// KindRemote delegates handling to an out-of-process plugin.
	KindRemote Kind = "remote"

	// KindDirectory serves files and directory listings from the local filesystem.
	KindDirectory Kind = "directory"
)

// Kind identifies the category of a plugin for ordering and diagnostics.
type Kind string

// KindProperties represents execution semantics for each Kind.
type KindProperties struct {
	// CanReject when true allows a plugin error to end the request.
	// When false the error is logged and the pipeline moves on.
	CanReject bool
}
