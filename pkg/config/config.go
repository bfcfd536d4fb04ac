package config

import (
	"bufio"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/cuemby/buildnode/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config is the build node's full runtime configuration, loaded from a YAML
// file and overlaid with command-line flags.
type Config struct {
	NodeID         string        `yaml:"node_id"`
	MasterURL      string        `yaml:"master_url"`
	CredentialsPath string       `yaml:"credentials_path"`
	ThreadsCount   int           `yaml:"threads_count"`
	WorkingDir     string        `yaml:"working_dir"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	ArchFlags ArchFlags `yaml:"arch_flags"`

	Upload UploadConfig `yaml:"upload"`

	SentryDSN string `yaml:"sentry_dsn"`

	Verbose bool `yaml:"-"`
}

// ArchFlags controls which extra architectures this node can build besides
// its own, mirroring the node's hardware capabilities.
type ArchFlags struct {
	Native bool `yaml:"native"`
	ARM64  bool `yaml:"arm64_support"`
	ARM32  bool `yaml:"arm32_support"`
	Pesign bool `yaml:"pesign_support"`
}

// UploadConfig describes the content store the uploader pushes artifacts to.
type UploadConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Token       string        `yaml:"token"`
	ChunkSize   int64         `yaml:"chunk_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Default returns a Config populated with the node's baseline defaults,
// matching the reference node's own default_config.
func Default() *Config {
	return &Config{
		ThreadsCount:   2,
		WorkingDir:     "/srv/buildnode",
		RequestTimeout: 30 * time.Second,
		Upload: UploadConfig{
			ChunkSize:    8 << 20,
			PollInterval: 5 * time.Second,
		},
	}
}

// Load reads path as YAML into a Default() config.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &types.ConfigError{Message: "reading config file: " + err.Error()}
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &types.ConfigError{Message: "parsing config file: " + err.Error()}
	}
	return cfg, nil
}

// Validate checks the fields every component depends on are present.
func (c *Config) Validate() error {
	switch {
	case c.NodeID == "":
		return &types.ConfigError{Message: "node_id is required"}
	case c.MasterURL == "":
		return &types.ConfigError{Message: "master_url is required"}
	case c.ThreadsCount <= 0:
		return &types.ConfigError{Message: "threads_count must be positive"}
	case c.WorkingDir == "":
		return &types.ConfigError{Message: "working_dir is required"}
	}
	return nil
}

// EnvironmentsDir is where the environment supervisor keeps chroot trees.
func (c *Config) EnvironmentsDir() string {
	return c.WorkingDir + "/environments"
}

// DataDir is where the node keeps its own embedded state (lease database).
func (c *Config) DataDir() string {
	return c.WorkingDir + "/state"
}

var jwtLinePattern = regexp.MustCompile(`^\s*jwt_token\s*=\s*(\S+)\s*$`)

// JWTToken returns Upload.Token when it is set; otherwise it parses the
// "jwt_token = <value>" line out of CredentialsPath, matching the
// credentials file format the master issues nodes.
func (c *Config) JWTToken() (string, error) {
	if c.Upload.Token != "" {
		return c.Upload.Token, nil
	}
	if c.CredentialsPath == "" {
		return "", &types.ConfigError{Message: "credentials_path is not set"}
	}
	f, err := os.Open(c.CredentialsPath)
	if err != nil {
		return "", &types.ConfigError{Message: "opening credentials file: " + err.Error()}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if m := jwtLinePattern.FindStringSubmatch(line); m != nil {
			return m[1], nil
		}
	}
	return "", &types.ConfigError{Message: "jwt_token not found in credentials file"}
}

// SupportedArches returns the architectures this node advertises to the
// master when requesting work: its own plus any the ArchFlags turn on, with
// the standard 32-bit-on-64-bit x86 compatibility pairing.
func (c *Config) SupportedArches(nativeArch string) []string {
	arches := []string{nativeArch}
	if nativeArch == "x86_64" {
		arches = append(arches, "i686")
	}
	if c.ArchFlags.ARM64 && nativeArch != "aarch64" {
		arches = append(arches, "aarch64")
	}
	if c.ArchFlags.ARM32 && nativeArch != "armhfp" {
		arches = append(arches, "armhfp")
	}
	return arches
}
