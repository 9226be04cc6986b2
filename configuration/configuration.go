package configuration

import "time"

type Configuration struct {
	HttpAddr          string        `usage:"HTTP address"`
	EnableCompression bool          `usage:"gzip API responses when the client accepts it"`
	Dir               string        `usage:"data directory"`
	BackupDir         string        `usage:"directory where periodic backups are written"`
	BackupEvery       time.Duration `usage:"time between periodic backups, zero disables them"`
	CompressBackups   bool          `usage:"compress backups with zstd"`
	Restore           string        `usage:"restore this backup directory into the data directory before loading"`
	FrameRate         int           `usage:"frames per second"`
	Workers           int           `usage:"update workers, zero means one per CPU"`
	MinLogHistory     uint64        `usage:"frames of logs kept before being applied"`
	RebalanceEvery    uint64        `usage:"rebalance indexes every N frames, zero disables it"`
	Particles         int           `usage:"particles spawned by the demo world"`
	LogLevel          string        `usage:"log level: debug, info, warning, error"`
	Version           bool          `usage:"show version and exit"`
	ShowBanner        bool          `usage:"show big banner"`
	ShowConfig        bool          `usage:"print config"`
}

func Default() Configuration {
	return Configuration{
		HttpAddr:          "127.0.0.1:8080",
		EnableCompression: true,
		Dir:               "data",
		BackupDir:         "backups",
		BackupEvery:       5 * time.Minute,
		CompressBackups:   true,
		FrameRate:         30,
		MinLogHistory:     4,
		RebalanceEvery:    64,
		Particles:         1000,
		LogLevel:          "info",
		ShowBanner:        true,
	}
}
