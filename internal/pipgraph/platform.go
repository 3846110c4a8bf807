package pipgraph

import (
	"path/filepath"
	"runtime"
	"strings"
)

// Platform selects a row of the platform defaults table.
type Platform string

const (
	PlatformMacOS Platform = "macos"
	PlatformLinux Platform = "linux"
	PlatformNone  Platform = "none"
)

// CurrentPlatform maps runtime.GOOS onto a Platform.
func CurrentPlatform() Platform {
	switch runtime.GOOS {
	case "darwin":
		return PlatformMacOS
	case "linux":
		return PlatformLinux
	default:
		return PlatformNone
	}
}

// ParsePlatform accepts "macos", "linux", "none", or "" for the current one.
func ParsePlatform(s string) (Platform, bool) {
	switch Platform(s) {
	case "":
		return CurrentPlatform(), true
	case PlatformMacOS, PlatformLinux, PlatformNone:
		return Platform(s), true
	default:
		return "", false
	}
}

// PlatformDefaults lists the OS paths merged into every pip that sets
// DependsOnCurrentOS. Input seal roots become source seals (added to the
// builder on first use); untracked entries suppress OS noise.
type PlatformDefaults struct {
	Platform        Platform
	InputSealRoots  []string
	UntrackedFiles  []string
	UntrackedScopes []string
}

// IsEmpty reports whether the defaults contribute nothing.
func (d PlatformDefaults) IsEmpty() bool {
	return len(d.InputSealRoots) == 0 && len(d.UntrackedFiles) == 0 && len(d.UntrackedScopes) == 0
}

// Paths beginning with "~/" are expanded against the home directory.
var platformTable = map[Platform]PlatformDefaults{
	PlatformMacOS: {
		InputSealRoots: []string{
			"/Applications",
			"/Library",
			"/usr/bin",
			"/usr/include",
			"/usr/lib",
			"~/Library/MobileDevice/Provisioning Profiles",
		},
		UntrackedFiles: []string{
			"/etc",
			"~/Library/Keychains/login.keychain-db",
			"~/Library/Keychains",
			"~/.CFUserTextEncoding",
			"/tmp",
		},
		UntrackedScopes: []string{
			"/bin",
			"/dev",
			"/private",
			"/sbin",
			"/System/Library",
			"/usr/libexec",
			"/usr/share",
			"/usr/standalone",
			"/usr/sbin",
			"/var",
			"~/Library/Preferences",
		},
	},
	PlatformLinux: {
		InputSealRoots: []string{
			"/usr/bin",
			"/usr/include",
			"/usr/lib",
		},
		UntrackedFiles: []string{
			"/etc/ld.so.cache",
			"/etc/localtime",
			"/etc/nsswitch.conf",
			"/etc/passwd",
		},
		UntrackedScopes: []string{
			"/bin",
			"/dev",
			"/etc/ssl",
			"/lib",
			"/lib64",
			"/proc",
			"/sbin",
			"/sys",
			"/tmp",
			"/usr/share",
			"/usr/libexec",
			"/var",
		},
	},
	PlatformNone: {},
}

// DefaultsFor returns the defaults row for platform with "~/" expanded
// against home. An unknown platform yields empty defaults.
func DefaultsFor(platform Platform, home string) PlatformDefaults {
	row := platformTable[platform]
	return PlatformDefaults{
		Platform:        platform,
		InputSealRoots:  expandHome(row.InputSealRoots, home),
		UntrackedFiles:  expandHome(row.UntrackedFiles, home),
		UntrackedScopes: expandHome(row.UntrackedScopes, home),
	}
}

func expandHome(paths []string, home string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if rest, ok := strings.CutPrefix(p, "~/"); ok {
			if home == "" {
				continue
			}
			p = filepath.Join(home, rest)
		}
		out = append(out, filepath.Clean(p))
	}
	return out
}
