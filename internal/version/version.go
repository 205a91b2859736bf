package version

// Set at build time:
//
//	go build -ldflags "-X github.com/pausenow/pingwatch/internal/version.Version=1.2.0 ..."
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Info is the build metadata reported by /status
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Get returns the build metadata
func Get() Info {
	return Info{Version: Version, Commit: Commit, BuildDate: BuildDate}
}

// UserAgent identifies pingwatch to push gateways
func UserAgent() string {
	return "pingwatch/" + Version
}

// String returns a formatted version string
func (i Info) String() string {
	if i.Version == "dev" {
		return "dev (commit: " + i.Commit + ")"
	}
	return i.Version + " (commit: " + i.Commit + ")"
}
