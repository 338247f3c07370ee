// Package defaults provides the embedded example configuration written
// by the mqttsensord init subcommand.
package defaults

import _ "embed"

//go:generate cp ../../examples/mqttsensord.example.yaml .

// ConfigYAML is the annotated example configuration.
//
//go:embed mqttsensord.example.yaml
var ConfigYAML []byte
