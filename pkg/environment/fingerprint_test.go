package environment

import (
	"testing"

	"github.com/cuemby/buildnode/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestFingerprint_OrderIndependent(t *testing.T) {
	a := types.EnvironmentConfig{
		Arch:        "x86_64",
		DistTag:     "el9",
		ChrootSetup: []string{"gcc", "make"},
		Repositories: []types.Repository{
			{Name: "base", URL: "https://repo/base", Priority: 1, Enabled: true},
			{Name: "updates", URL: "https://repo/updates", Priority: 2, Enabled: true},
		},
		InjectedFiles: map[string]string{"/etc/foo": "bar", "/etc/baz": "qux"},
		PluginFlags:   map[string]string{"ccache": "true"},
		BindMounts:    []string{"/mnt/cache", "/mnt/logs"},
	}

	b := types.EnvironmentConfig{
		Arch:        "x86_64",
		DistTag:     "el9",
		ChrootSetup: []string{"make", "gcc"},
		Repositories: []types.Repository{
			{Name: "updates", URL: "https://repo/updates", Priority: 2, Enabled: true},
			{Name: "base", URL: "https://repo/base", Priority: 1, Enabled: true},
		},
		InjectedFiles: map[string]string{"/etc/baz": "qux", "/etc/foo": "bar"},
		PluginFlags:   map[string]string{"ccache": "true"},
		BindMounts:    []string{"/mnt/logs", "/mnt/cache"},
	}

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprint_DistinguishesContent(t *testing.T) {
	a := types.EnvironmentConfig{Arch: "x86_64", DistTag: "el9"}
	b := types.EnvironmentConfig{Arch: "x86_64", DistTag: "el8"}

	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprint_Deterministic(t *testing.T) {
	cfg := types.EnvironmentConfig{
		Arch:    "aarch64",
		DistTag: "el9",
		Repositories: []types.Repository{
			{Name: "base", URL: "https://repo/base"},
		},
	}

	first := Fingerprint(cfg)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Fingerprint(cfg))
	}
}
