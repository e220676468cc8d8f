// Package config loads and hot-reloads the engine's YAML configuration:
// system-wide settings, the set of sample file directories, and the
// camera/stream list the streamer/retention/syncer components are wired
// from at startup.
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the engine's root configuration document.
type Config struct {
	Version         string           `yaml:"version"`
	System          SystemConfig     `yaml:"system"`
	SampleFileDirs  []SampleFileDirConfig `yaml:"sample_file_dirs"`
	Cameras         []CameraConfig   `yaml:"cameras"`

	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
	encKey   []byte          `yaml:"-"`
}

// SystemConfig holds engine-wide settings.
type SystemConfig struct {
	Name       string         `yaml:"name"`
	Timezone   string         `yaml:"timezone"`
	Database   DatabaseConfig `yaml:"database"`
	Logging    LoggingConfig  `yaml:"logging"`
	RetentionCheckSeconds int `yaml:"retention_check_seconds"`
	SyncerFlushSeconds    int `yaml:"syncer_flush_seconds"`
}

// DatabaseConfig points at the SQLite metadata database (sqlite3,
// WAL mode, handled by internal/db).
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig controls internal/logging's slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// SampleFileDirConfig is one directory the engine owns exclusively: its filesystem path and a stable uuid used to detect a
// directory being pointed at the wrong on-disk location across restarts.
type SampleFileDirConfig struct {
	ID   int32  `yaml:"id"`
	Path string `yaml:"path"`
	UUID string `yaml:"uuid,omitempty"`
}

// CameraConfig describes one camera and its one or two RTSP streams.
type CameraConfig struct {
	UUID        string         `yaml:"uuid" json:"uuid"`
	ShortName   string         `yaml:"short_name" json:"short_name"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Main        StreamConfig   `yaml:"main" json:"main"`
	Sub         *StreamConfig  `yaml:"sub,omitempty" json:"sub,omitempty"`
}

// StreamConfig describes one RTSP stream within a camera.
type StreamConfig struct {
	URL             string `yaml:"url" json:"url"`
	Record          bool   `yaml:"record" json:"record"`
	SampleFileDirID int32  `yaml:"sample_file_dir_id" json:"sample_file_dir_id"`
	RetainBytes     int64  `yaml:"retain_bytes" json:"retain_bytes"`
	FlushIfSec      int    `yaml:"flush_if_sec,omitempty" json:"flush_if_sec,omitempty"`
	Username        string `yaml:"username,omitempty" json:"username,omitempty"`
	Password        string `yaml:"password,omitempty" json:"password,omitempty"`
}

// Load reads, decrypts, and defaults a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.path = path
	cfg.encKey = getEncryptionKey()

	if err := cfg.decryptSecrets(); err != nil {
		return nil, fmt.Errorf("decrypt secrets: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// Save persists the configuration, encrypting stream passwords first.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveUnlocked()
}

func (c *Config) saveUnlocked() error {
	cfgCopy := &Config{
		Version:        c.Version,
		System:         c.System,
		SampleFileDirs: c.SampleFileDirs,
		Cameras:        c.Cameras,
		path:           c.path,
		encKey:         c.encKey,
	}
	if err := cfgCopy.encryptSecrets(); err != nil {
		return fmt.Errorf("encrypt secrets: %w", err)
	}

	data, err := yaml.Marshal(cfgCopy)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	header := "# NVR recording engine configuration\n# Auto-generated - manual edits are preserved\n\n"
	data = append([]byte(header), data...)

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmpPath, c.path)
}

// Watch starts watching the config file for changes, reloading and
// invoking every registered OnChange callback on write (fsnotify,
// debounced).
func (c *Config) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					time.Sleep(100 * time.Millisecond) // debounce
					c.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("config watch error", "error", err)
			}
		}
	}()

	return watcher.Add(c.path)
}

// OnChange registers a callback invoked with the reloaded config after
// every successful Watch-triggered reload.
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

func (c *Config) reload() {
	newCfg, err := Load(c.path)
	if err != nil {
		slog.Error("failed to reload config", "error", err)
		return
	}

	c.mu.Lock()
	c.Version = newCfg.Version
	c.System = newCfg.System
	c.SampleFileDirs = newCfg.SampleFileDirs
	c.Cameras = newCfg.Cameras
	c.encKey = newCfg.encKey
	watchers := c.watchers
	c.mu.Unlock()

	slog.Info("configuration reloaded")
	for _, fn := range watchers {
		fn(c)
	}
}

// GetCamera returns a camera by uuid, or nil if absent.
func (c *Config) GetCamera(uuid string) *CameraConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := range c.Cameras {
		if c.Cameras[i].UUID == uuid {
			return &c.Cameras[i]
		}
	}
	return nil
}

// UpsertCamera adds or replaces a camera entry and saves.
func (c *Config) UpsertCamera(cam CameraConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.Cameras {
		if c.Cameras[i].UUID == cam.UUID {
			c.Cameras[i] = cam
			return c.saveUnlocked()
		}
	}
	c.Cameras = append(c.Cameras, cam)
	return c.saveUnlocked()
}

// RemoveCamera removes a camera by uuid and saves.
func (c *Config) RemoveCamera(uuid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.Cameras {
		if c.Cameras[i].UUID == uuid {
			c.Cameras = append(c.Cameras[:i], c.Cameras[i+1:]...)
			return c.saveUnlocked()
		}
	}
	return fmt.Errorf("camera not found: %s", uuid)
}

func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

func (c *Config) GetPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.System.Timezone == "" {
		c.System.Timezone = "UTC"
	}
	if c.System.Database.Path == "" {
		c.System.Database.Path = "/var/lib/nvrcore/db"
	}
	if c.System.Logging.Level == "" {
		c.System.Logging.Level = "info"
	}
	if c.System.Logging.Format == "" {
		c.System.Logging.Format = "text"
	}
	if c.System.RetentionCheckSeconds == 0 {
		c.System.RetentionCheckSeconds = 60
	}
	if c.System.SyncerFlushSeconds == 0 {
		c.System.SyncerFlushSeconds = 5
	}
}

func (c *Config) encryptSecrets() error {
	for i := range c.Cameras {
		if err := encryptStreamSecret(c.encKey, &c.Cameras[i].Main); err != nil {
			return err
		}
		if c.Cameras[i].Sub != nil {
			if err := encryptStreamSecret(c.encKey, c.Cameras[i].Sub); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Config) decryptSecrets() error {
	for i := range c.Cameras {
		if err := decryptStreamSecret(c.encKey, &c.Cameras[i].Main); err != nil {
			return err
		}
		if c.Cameras[i].Sub != nil {
			if err := decryptStreamSecret(c.encKey, c.Cameras[i].Sub); err != nil {
				return err
			}
		}
	}
	return nil
}

func encryptStreamSecret(key []byte, s *StreamConfig) error {
	if s.Password == "" || strings.HasPrefix(s.Password, "encrypted:") {
		return nil
	}
	encrypted, err := encrypt(key, s.Password)
	if err != nil {
		return err
	}
	s.Password = "encrypted:" + encrypted
	return nil
}

func decryptStreamSecret(key []byte, s *StreamConfig) error {
	if !strings.HasPrefix(s.Password, "encrypted:") {
		return nil
	}
	decrypted, err := decrypt(key, strings.TrimPrefix(s.Password, "encrypted:"))
	if err != nil {
		return err
	}
	s.Password = decrypted
	return nil
}

// getEncryptionKey returns the AES-256 key used for stream credentials,
// from NVR_ENCRYPTION_KEY or a fallback default (the same shape as the
// a fixed development key; production deployments are expected to set the
// environment variable).
func getEncryptionKey() []byte {
	keyStr := os.Getenv("NVR_ENCRYPTION_KEY")
	if keyStr != "" {
		key, err := base64.StdEncoding.DecodeString(keyStr)
		if err == nil && len(key) == 32 {
			return key
		}
	}
	return []byte("nvrcore-default-key-change-me!!!")
}

func encrypt(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func decrypt(key []byte, ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertextBytes := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
