package pipeline

import (
	pkg "github.com/peteski22/proxy-plugins/pkg/contract/plugin"
)

// kindProps maps each kind to its execution properties.
// The pipeline enforces these constraints during request processing.
var kindProps = map[pkg.Kind]pkg.KindProperties{
	pkg.KindLimit:     {CanReject: true},
	pkg.KindRemote:    {CanReject: false},
	pkg.KindDirectory: {CanReject: true},
}

// OrderedKinds defines the execution order of kinds within a step.
// Admission control runs before anything that may produce a response.
var OrderedKinds = []pkg.Kind{
	pkg.KindLimit,
	pkg.KindRemote,
	pkg.KindDirectory,
}

// PropsForKind returns properties for a kind. Unknown kinds fall back
// to a conservative default (errors are logged, never reject).
func PropsForKind(k pkg.Kind) pkg.KindProperties {
	if p, ok := kindProps[k]; ok {
		return p
	}
	return pkg.KindProperties{CanReject: false}
}
