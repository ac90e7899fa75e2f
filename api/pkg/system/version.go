package system

import (
	"runtime/debug"
)

// Version is set by the build process
var Version string

func GetRelayVersion() string {
	if Version != "" {
		return Version
	}

	relayVersion := "<unknown>"
	info, ok := debug.ReadBuildInfo()
	if ok {
		for _, kv := range info.Settings {
			if kv.Value == "" {
				continue
			}
			switch kv.Key {
			case "vcs.revision":
				relayVersion = kv.Value
			}
		}
	}
	return relayVersion
}
