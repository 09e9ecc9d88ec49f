package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/ade-io/ade/blob"
	"github.com/ade-io/ade/config"
	"github.com/ade-io/ade/configstore"
	"github.com/ade-io/ade/pathsafe"
	"github.com/ade-io/ade/store"
)

// loadSettings resolves configuration with flag > file > environment
// precedence.
func loadSettings(c *cli.Context) (*config.Settings, error) {
	path := c.String("config")
	if path == "" {
		if _, err := os.Stat("ade.yaml"); err == nil {
			path = "ade.yaml"
		}
	}
	if path != "" {
		return config.Load(path)
	}
	return config.FromEnv(), nil
}

// deps is the shared service wiring for the api and worker commands.
type deps struct {
	settings *config.Settings
	store    *store.Store
	layout   pathsafe.Layout
	packages *configstore.Store
	blobs    blob.Store
}

func openDeps(ctx context.Context, settings *config.Settings) (*deps, error) {
	if settings.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required (ADE_DATABASE_URL)")
	}
	st, err := store.Open(ctx, settings.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	layout := pathsafe.NewLayout(settings.DataDir, settings.WorkspacesDir, settings.VenvsDir, settings.PipCacheDir)
	packages := configstore.New(layout, settings.EngineDepName, settings.ConfigImportMaxBytes)

	var blobs blob.Store
	if settings.StorageBackend == "s3" {
		bucket, prefix := blob.ParseS3Path(settings.BlobContainer)
		if prefix == "" {
			prefix = settings.BlobPrefix
		}
		blobs, err = blob.NewS3(ctx, blob.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       settings.BlobRegion,
			Endpoint:     settings.BlobAccountURL,
			UsePathStyle: settings.BlobPathStyle,
		})
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("open blob store: %w", err)
		}
	} else {
		dir := settings.WorkspacesDir
		if dir == "" {
			dir = filepath.Join(settings.DataDir, "workspaces")
		}
		blobs = blob.NewLocal(dir)
	}
	if err := blobs.EnsureContainer(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("ensure blob container: %w", err)
	}

	return &deps{
		settings: settings,
		store:    st,
		layout:   layout,
		packages: packages,
		blobs:    blobs,
	}, nil
}

func (d *deps) close() {
	d.store.Close()
}
