// Package archive ships closed audit log files to S3-compatible object storage.
package archive

import "github.com/caarlos0/env/v11"

type Config struct {
	Endpoint        string `env:"STRATA_ARCHIVE_ENDPOINT"`
	Bucket          string `env:"STRATA_ARCHIVE_BUCKET"`
	Region          string `env:"STRATA_ARCHIVE_REGION" envDefault:"auto"`
	AccessKeyID     string `env:"STRATA_ARCHIVE_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"STRATA_ARCHIVE_SECRET_ACCESS_KEY"`
	Prefix          string `env:"STRATA_ARCHIVE_PREFIX" envDefault:"strataguard"`
	Workers         int    `env:"STRATA_ARCHIVE_WORKERS" envDefault:"1"`
	Queue           int    `env:"STRATA_ARCHIVE_QUEUE" envDefault:"256"`
}

func LoadConfig() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Enabled reports whether an upload target is configured at all.
func (c Config) Enabled() bool { return c.Endpoint != "" && c.Bucket != "" }
