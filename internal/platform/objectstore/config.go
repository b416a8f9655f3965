package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kskovpen/rereco/internal/platform/env"
)

type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Region        string
	UseSSL        bool
	BucketScripts string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("RERECO_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:      env.String("RERECO_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:     env.String("RERECO_MINIO_ACCESS_KEY", "rereco"),
		SecretKey:     env.String("RERECO_MINIO_SECRET_KEY", "rerecominio"),
		Region:        env.String("RERECO_MINIO_REGION", "us-east-1"),
		UseSSL:        useSSL,
		BucketScripts: env.String("RERECO_MINIO_BUCKET_SCRIPTS", "scripts"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketScripts) == "" {
		return errors.New("scripts bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
