// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"flag"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/pkg/errors"

	"github.com/asch/vialab/internal/vialab"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/vialab/config.toml"

	FacilitySock = "sock"
	FacilityBuse = "buse"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Name       string `toml:"name" env:"VIALAB_NAME" env-default:"vialab" env-description:"Class name and prefix of device node names."`
	Devices    int    `toml:"ndevices" env:"VIALAB_NDEVICES" env-default:"2" env-description:"Number of devices."`
	BufferSize int    `toml:"buffer_size" env:"VIALAB_BUFFER_SIZE" env-default:"4000" env-description:"Size of the buffer of each device in bytes."`
	BlockSize  int    `toml:"block_size" env:"VIALAB_BLOCK_SIZE" env-default:"512" env-description:"Maximal number of bytes moved by one read or write."`
	Facility   string `toml:"facility" env:"VIALAB_FACILITY" env-default:"sock" env-description:"How device nodes are published. sock for unix sockets, buse for BUSE block devices."`

	Sock struct {
		Dir string `toml:"dir" env:"VIALAB_SOCK_DIR" env-default:"/run/vialab" env-description:"Directory with device node sockets."`
	} `toml:"sock"`

	Buse struct {
		Major         int  `toml:"major" env:"VIALAB_BUSE_MAJOR" env-default:"0" env-description:"BUSE index of the first device. Device i is /dev/buse<major+i>."`
		BlockSize     int  `toml:"block_size" env:"VIALAB_BUSE_BLOCKSIZE" env-default:"512" env-description:"Block size of BUSE devices."`
		Threads       int  `toml:"threads" env:"VIALAB_BUSE_THREADS" env-default:"0" env-description:"Number of user-space threads for serving queues."`
		QueueDepth    int  `toml:"queue_depth" env:"VIALAB_BUSE_QUEUEDEPTH" env-default:"128" env-description:"Device IO queue depth."`
		Scheduler     bool `toml:"scheduler" env:"VIALAB_BUSE_SCHEDULER" env-default:"false" env-description:"Use block layer scheduler."`
		Durable       bool `toml:"durable" env:"VIALAB_BUSE_DURABLE" env-default:"false" env-description:"Flush semantics. True means durable, false means barrier only."`
		WriteBufSize  int  `toml:"write_shared_buffer_size" env:"VIALAB_BUSE_WRITE_BUFSIZE" env-default:"256" env-description:"Write shared memory size in KB."`
		ChunkSize     int  `toml:"chunk_size" env:"VIALAB_BUSE_CHUNKSIZE" env-default:"64" env-description:"Write chunk size in KB."`
		CollisionSize int  `toml:"collision_chunk_size" env:"VIALAB_BUSE_COLSIZE" env-default:"16" env-description:"Collision size in KB."`
		ReadBufSize   int  `toml:"read_shared_buffer_size" env:"VIALAB_BUSE_READ_BUFSIZE" env-default:"256" env-description:"Read shared memory size in KB."`
	} `toml:"buse"`

	S3 struct {
		Bucket    string `toml:"bucket" env:"VIALAB_S3_BUCKET" env-description:"S3 Bucket name for snapshots. Empty disables snapshots." env-default:""`
		Remote    string `toml:"remote" env:"VIALAB_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region    string `toml:"region" env:"VIALAB_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey string `toml:"access_key" env:"VIALAB_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey string `toml:"secret_key" env:"VIALAB_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
		Uploaders int    `toml:"uploaders" env:"VIALAB_S3_UPLOADERS" env-description:"S3 Max number of uploader threads." env-default:"4"`
		Interval  int    `toml:"interval" env:"VIALAB_S3_INTERVAL" env-description:"Seconds between periodic snapshots. Zero means only on SIGUSR1." env-default:"0"`
	} `toml:"s3"`

	Log struct {
		Level  int  `toml:"level" env:"VIALAB_LOG_LEVEL" env-description:"Log level." env-default:"-1"`
		Pretty bool `toml:"pretty" env:"VIALAB_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"VIALAB_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"VIALAB_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priotiry and the environment variables have
// the highest priority. It is perfetcly to fine to use just one of these or to
// combine them.
func Configure() error {
	flagSetup()
	err := parse(&Cfg)

	return err
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the cfg structure.
func parse(cfg *Config) error {
	if err := cleanenv.ReadConfig(cfg.ConfigPath, cfg); err != nil {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return err
		}
	}

	cfg.Buse.WriteBufSize *= 1024
	cfg.Buse.ChunkSize *= 1024
	cfg.Buse.CollisionSize *= 1024
	cfg.Buse.ReadBufSize *= 1024

	if cfg.Buse.BlockSize != 512 {
		cfg.Buse.BlockSize = 4096
	}

	return nil
}

// Validate rejects configurations which cannot produce a working set of
// devices. Nothing is acquired before this check passes.
func Validate(cfg *Config) error {
	switch {
	case cfg.Name == "":
		return errors.Wrap(vialab.ErrInvalidConfiguration, "empty name")
	case cfg.Devices <= 0:
		return errors.Wrapf(vialab.ErrInvalidConfiguration, "ndevices %d", cfg.Devices)
	case cfg.BufferSize <= 0:
		return errors.Wrapf(vialab.ErrInvalidConfiguration, "buffer_size %d", cfg.BufferSize)
	case cfg.BlockSize <= 0:
		return errors.Wrapf(vialab.ErrInvalidConfiguration, "block_size %d", cfg.BlockSize)
	case cfg.Facility != FacilitySock && cfg.Facility != FacilityBuse:
		return errors.Wrapf(vialab.ErrInvalidConfiguration, "facility %q", cfg.Facility)
	case cfg.S3.Interval < 0:
		return errors.Wrapf(vialab.ErrInvalidConfiguration, "s3 interval %d", cfg.S3.Interval)
	}

	return nil
}

// Handle program flags.
func flagSetup() {
	f := flag.NewFlagSet("vialab", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(os.Args[1:])
}
