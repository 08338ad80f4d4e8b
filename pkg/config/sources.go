package config

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/epochledger/pkg/sources"
)

// BuildSources opens every configured source with a shared decoder.
func (c *Config) BuildSources(ctx context.Context) ([]sources.Source, error) {
	if len(c.Sources) == 0 {
		return nil, nil
	}
	dec, err := sources.NewDecoder()
	if err != nil {
		return nil, err
	}
	out := make([]sources.Source, 0, len(c.Sources))
	for _, sc := range c.Sources {
		switch sc.Kind {
		case "file":
			out = append(out, sources.NewFileSource(sc.Name, sc.Path, dec))
		case "s3":
			src, err := sources.NewS3Source(ctx, sources.S3SourceConfig{
				Name:     sc.Name,
				Bucket:   sc.Bucket,
				Prefix:   sc.Prefix,
				Region:   sc.Region,
				Endpoint: sc.Endpoint,
			}, dec)
			if err != nil {
				return nil, fmt.Errorf("source %s: %w", sc.Name, err)
			}
			out = append(out, src)
		default:
			return nil, fmt.Errorf("source %s: unsupported kind %q", sc.Name, sc.Kind)
		}
	}
	return out, nil
}
