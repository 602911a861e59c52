// Package config загружает настройки mapsheet из YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config — корневая конфигурация.
type Config struct {
	// DataDir — каталог с листами (sheets/) и индексом (index/).
	DataDir string `yaml:"data_dir" validate:"required"`
	// RootMapID — карта, слои которой индексируются.
	RootMapID string `yaml:"root_map_id" validate:"required"`
	// Locale — локаль по умолчанию для функций форматирования.
	Locale string `yaml:"locale" validate:"required,bcp47_language_tag"`

	Index  IndexConfig  `yaml:"index"`
	Render RenderConfig `yaml:"render"`
}

// IndexConfig — параметры полнотекстового индекса и его перестроения.
type IndexConfig struct {
	RecreateInterval  time.Duration `yaml:"recreate_interval" validate:"gt=0"`
	CacheSize         int           `yaml:"cache_size" validate:"gt=0"`
	MaxParallelLayers int           `yaml:"max_parallel_layers" validate:"gte=0"`
	SyncWrites        bool          `yaml:"sync_writes"`
	GCInterval        time.Duration `yaml:"gc_interval" validate:"gte=0"`
}

// RenderConfig — параметры живой проверки шаблонов.
type RenderConfig struct {
	CheckTimeout time.Duration `yaml:"check_timeout" validate:"gt=0"`
}

// Default возвращает конфигурацию по умолчанию.
func Default() Config {
	return Config{
		DataDir:   "data",
		RootMapID: "root",
		Locale:    "de",
		Index: IndexConfig{
			RecreateInterval: 60 * time.Minute,
			CacheSize:        128,
			GCInterval:       5 * time.Minute,
		},
		Render: RenderConfig{
			CheckTimeout: 10 * time.Second,
		},
	}
}

// SheetsDir — каталог текстов листов.
func (c Config) SheetsDir() string { return filepath.Join(c.DataDir, "sheets") }

// IndexDir — каталог полнотекстового индекса.
func (c Config) IndexDir() string { return filepath.Join(c.DataDir, "index") }

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate проверяет значения по тегам validate.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("некорректная конфигурация: поле %s не прошло проверку %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("некорректная конфигурация: %w", err)
	}
	return nil
}

// Load читает YAML поверх значений по умолчанию. Отсутствующий файл —
// не ошибка: возвращаются значения по умолчанию.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, cfg.Validate()
	}
	if err != nil {
		return Config{}, fmt.Errorf("чтение конфигурации %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("разбор конфигурации %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save записывает конфигурацию в YAML, создавая каталог при необходимости.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("создание каталога конфигурации: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
