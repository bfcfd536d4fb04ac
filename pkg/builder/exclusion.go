package builder

import "regexp"

// archExcludedPattern and noCompatibleArchPattern are the two log-line shapes
// the chroot toolchain emits when a package's spec declares ExcludeArch or
// ExclusiveArch in a way that rules out the target architecture. Matching
// either turns a build failure into an excluded task rather than a failure.
var (
	archExcludedPattern = regexp.MustCompile(
		`(?i)error:\s+Architecture\s+is\s+not\s+included:\s+(.*)`)
	noCompatibleArchPattern = regexp.MustCompile(
		`(?i)error:\s+No\s+compatible\s+architectures\s+found`)
)

// bit32Arches is the 32-bit x86 family the original treats as one unit when
// checking ExclusiveArch: declaring any one of them is as good as declaring
// all of them for a 32-bit target.
var bit32Arches = map[string]bool{"i386": true, "i486": true, "i586": true, "i686": true}

// detectExclusion inspects a failed build's combined output and returns the
// human-readable exclusion reason, or "" if the failure looks like a real
// build error.
func detectExclusion(output string) string {
	if m := archExcludedPattern.FindStringSubmatch(output); m != nil {
		return `architecture "` + m[1] + `" is excluded`
	}
	if noCompatibleArchPattern.MatchString(output) {
		return "target architecture is not compatible"
	}
	return ""
}

// detectExclusionByMetadata mirrors is_build_excluded from the original RPM
// builder: it checks a src-RPM's already-extracted ExcludeArch/ExclusiveArch
// declarations against the target arch before the expensive binary rebuild
// is attempted. Returns "" when the build is not excluded.
func detectExclusionByMetadata(arch string, excludeArch, exclusiveArch []string) string {
	if contains(excludeArch, arch) {
		return `the "` + arch + `" architecture is listed in ExcludeArch`
	}
	if len(exclusiveArch) == 0 {
		return ""
	}
	if bit32Arches[arch] {
		for _, a := range exclusiveArch {
			if bit32Arches[a] {
				return ""
			}
		}
		return `the "` + arch + `" architecture is not listed in ExclusiveArch`
	}
	if !contains(exclusiveArch, arch) {
		return `the "` + arch + `" architecture is not listed in ExclusiveArch`
	}
	return ""
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
