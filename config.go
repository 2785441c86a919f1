package mvcore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// Configuration carries the knobs that parameterise the storage core, per
// the documented configuration surface. Unknown JSON keys are a load
// error.
type Configuration struct {
	MaxUsers            int    `json:"max_users"`
	NumFiles            int    `json:"numfiles"`
	NumLocks            int    `json:"numlocks"`
	NumGroupLocks       int    `json:"num_glocks"`
	FDSLimit            int    `json:"fds_limit"`
	DeadlockDepth       int    `json:"deadlock_depth"`
	NetFilesEnabled     bool   `json:"netfiles"`
	MaxIDLen            int    `json:"maxidlen"`
	MustLock            bool   `json:"mustlock"`
	SafeDir             string `json:"safedir"`
	FsyncPolicy         int    `json:"fsync_policy"`
	QMSysDir            string `json:"qmsys"`
	TermInfoDir         string `json:"terminfo"`
	JournalDir          string `json:"journaldir"`
	JournalMode         int    `json:"journalmode"`
	PortmapRangeLow     int    `json:"portmap_low"`
	PortmapRangeHigh    int    `json:"portmap_high"`
	StartupCommand      string `json:"startup_command"`
	RedisAddress        string `json:"redis_address"`
	RedisDistributedControlRegion bool `json:"redis_distributed_control_region"`
}

// DefaultConfiguration returns conservative defaults matching a
// single-host, single-segment deployment.
func DefaultConfiguration() Configuration {
	return Configuration{
		MaxUsers:      64,
		NumFiles:      256,
		NumLocks:      4093,
		NumGroupLocks: 4093,
		FDSLimit:      128,
		DeadlockDepth: 16,
		MaxIDLen:      MaxIDLen,
		FsyncPolicy:   0,
	}
}

// LoadConfiguration reads a JSON configuration file. Unknown keys are
// rejected so a typo'd knob fails loudly instead of silently no-opping.
func LoadConfiguration(path string) (Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Configuration{}, Wrap(IoError, err, path)
	}

	c := DefaultConfiguration()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return Configuration{}, Wrap(Corrupt, fmt.Errorf("configuration %s: %w", path, err), nil)
	}
	return c, nil
}
