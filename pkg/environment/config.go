package environment

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/buildnode/pkg/types"
)

// RenderConfig renders cfg into the chroot tool's configuration file format:
// a root setup list, a sorted repository block, sorted plugin flags, and
// injected file bodies. Rendering must be deterministic so Fingerprint and
// the on-disk config always agree.
func RenderConfig(cfg types.EnvironmentConfig) ([]byte, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "config_opts['root'] = '%s-%s'\n", cfg.DistTag, cfg.Arch)
	fmt.Fprintf(&b, "config_opts['target_arch'] = '%s'\n", cfg.Arch)

	chrootSetup := append([]string(nil), cfg.ChrootSetup...)
	sort.Strings(chrootSetup)
	fmt.Fprintf(&b, "config_opts['chroot_setup_cmd'] = 'install %s'\n", strings.Join(chrootSetup, " "))

	for _, k := range sortedKeys(cfg.PluginFlags) {
		fmt.Fprintf(&b, "config_opts['plugin_conf']['%s'] = '%s'\n", k, cfg.PluginFlags[k])
	}

	bindMounts := append([]string(nil), cfg.BindMounts...)
	sort.Strings(bindMounts)
	for _, m := range bindMounts {
		fmt.Fprintf(&b, "config_opts['plugin_conf']['bind_mount_opts']['dirs'] += [('%s', '%s')]\n", m, m)
	}

	b.WriteString("config_opts['yum.conf'] = \"\"\"\n")
	repos := append([]types.Repository(nil), cfg.Repositories...)
	sort.Slice(repos, func(i, j int) bool { return repos[i].Name < repos[j].Name })
	for _, r := range repos {
		if !r.Enabled {
			continue
		}
		fmt.Fprintf(&b, "[%s]\nname=%s\nbaseurl=%s\npriority=%d\n\n", r.Name, r.Name, r.URL, r.Priority)
	}
	b.WriteString("\"\"\"\n")

	for _, k := range sortedKeys(cfg.InjectedFiles) {
		fmt.Fprintf(&b, "config_opts['files']['%s'] = \"\"\"%s\"\"\"\n", k, cfg.InjectedFiles[k])
	}

	return []byte(b.String()), nil
}
