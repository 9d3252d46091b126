// Package database はユーザーストアのスキーママイグレーションを提供する。
package database

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"gopkg.in/yaml.v3"
)

//go:embed migrations/*.sql migrations/manifest.yaml
var migrationsFS embed.FS

const manifestFile = "manifest.yaml"

// Migration はバージョン付きのスキーマ変更を表す。
// リリース後は内容を変更してはならない。
type Migration struct {
	Version  int
	Name     string
	SQL      string
	Checksum string
}

type manifest struct {
	Migrations []manifestEntry `yaml:"migrations"`
}

type manifestEntry struct {
	Version int    `yaml:"version"`
	Name    string `yaml:"name"`
	SHA256  string `yaml:"sha256"`
}

// LoadMigrations は埋め込まれたマイグレーション一覧を昇順で返す。
func LoadMigrations() ([]Migration, error) {
	return loadMigrations(migrationsFS, "migrations")
}

func loadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	src, err := iofs.New(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}
	defer src.Close()

	version, err := src.First()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("no migrations found in %s", dir)
		}
		return nil, fmt.Errorf("failed to read first migration: %w", err)
	}

	var migrations []Migration
	for {
		r, name, err := src.ReadUp(version)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %d: %w", version, err)
		}
		body, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %d: %w", version, err)
		}
		migrations = append(migrations, Migration{
			Version:  int(version),
			Name:     name,
			SQL:      string(body),
			Checksum: checksum(body),
		})

		next, err := src.Next(version)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			return nil, fmt.Errorf("failed to read next migration after %d: %w", version, err)
		}
		version = next
	}

	if err := validateOrder(migrations); err != nil {
		return nil, err
	}

	raw, err := fs.ReadFile(fsys, path.Join(dir, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read migration manifest: %w", err)
	}
	var mf manifest
	if err := yaml.Unmarshal(raw, &mf); err != nil {
		return nil, fmt.Errorf("failed to parse migration manifest: %w", err)
	}
	if err := verifyManifest(migrations, mf); err != nil {
		return nil, err
	}

	return migrations, nil
}

// validateOrder はバージョンが1から連続していることを検証する。
func validateOrder(migrations []Migration) error {
	for i, m := range migrations {
		if m.Version != i+1 {
			return fmt.Errorf("migration versions must be contiguous from 1: expected %d, got %d (%s)", i+1, m.Version, m.Name)
		}
	}
	return nil
}

// verifyManifest はリリース済みマイグレーションが変更・削除されていないことを検証する。
// マニフェストに未記載のマイグレーションは末尾（未リリース）にのみ許可する。
func verifyManifest(migrations []Migration, mf manifest) error {
	if len(mf.Migrations) > len(migrations) {
		return fmt.Errorf("released migration %d is missing", mf.Migrations[len(migrations)].Version)
	}
	for i, entry := range mf.Migrations {
		m := migrations[i]
		if entry.Version != m.Version || entry.Name != m.Name {
			return fmt.Errorf("manifest entry %d (%s) does not match migration %d (%s)", entry.Version, entry.Name, m.Version, m.Name)
		}
		if entry.SHA256 != m.Checksum {
			return fmt.Errorf("released migration %s has been modified", m.Name)
		}
	}
	return nil
}

func checksum(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
