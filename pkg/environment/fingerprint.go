package environment

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/buildnode/pkg/types"
)

// Fingerprint renders cfg the same way regardless of map or slice ordering
// and returns the hex SHA-256 digest of that rendering. Two configs that
// describe the same chroot must fingerprint identically.
func Fingerprint(cfg types.EnvironmentConfig) string {
	var b strings.Builder

	fmt.Fprintf(&b, "arch=%s\n", cfg.Arch)
	fmt.Fprintf(&b, "dist_tag=%s\n", cfg.DistTag)

	chrootSetup := append([]string(nil), cfg.ChrootSetup...)
	sort.Strings(chrootSetup)
	fmt.Fprintf(&b, "chroot_setup=%s\n", strings.Join(chrootSetup, ","))

	repos := append([]types.Repository(nil), cfg.Repositories...)
	sort.Slice(repos, func(i, j int) bool { return repos[i].Name < repos[j].Name })
	for _, r := range repos {
		fmt.Fprintf(&b, "repo:%s=%s;priority=%d;enabled=%t\n", r.Name, r.URL, r.Priority, r.Enabled)
	}

	for _, k := range sortedKeys(cfg.InjectedFiles) {
		fmt.Fprintf(&b, "file:%s=%s\n", k, cfg.InjectedFiles[k])
	}

	for _, k := range sortedKeys(cfg.PluginFlags) {
		fmt.Fprintf(&b, "plugin:%s=%s\n", k, cfg.PluginFlags[k])
	}

	bindMounts := append([]string(nil), cfg.BindMounts...)
	sort.Strings(bindMounts)
	fmt.Fprintf(&b, "bind_mounts=%s\n", strings.Join(bindMounts, ","))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
