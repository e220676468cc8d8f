package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
version: "1.0"
system:
  name: "Test NVR"
  timezone: "America/New_York"
  database:
    path: "/data/test.db"
cameras: []
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Version != "1.0" {
		t.Errorf("Expected version '1.0', got '%s'", cfg.Version)
	}

	if cfg.System.Name != "Test NVR" {
		t.Errorf("Expected name 'Test NVR', got '%s'", cfg.System.Name)
	}

	if cfg.System.Timezone != "America/New_York" {
		t.Errorf("Expected timezone 'America/New_York', got '%s'", cfg.System.Timezone)
	}

	if cfg.System.Database.Path != "/data/test.db" {
		t.Errorf("Expected database path '/data/test.db', got '%s'", cfg.System.Database.Path)
	}
}

func TestLoadNonExistent(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Expected error when loading non-existent file")
	}
}

func TestSave(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	cfg := &Config{
		Version: "1.0",
		System: SystemConfig{
			Name:     "Test NVR",
			Timezone: "UTC",
			Database: DatabaseConfig{
				Path: "/data/nvr.db",
			},
		},
		Cameras: []CameraConfig{},
	}
	cfg.SetPath(configPath)

	err := cfg.Save()
	if err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("Config file was not created")
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load saved config: %v", err)
	}

	if loaded.System.Name != cfg.System.Name {
		t.Errorf("Expected name '%s', got '%s'", cfg.System.Name, loaded.System.Name)
	}
}

func TestCameraOperations(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	cfg := &Config{
		Version: "1.0",
		System: SystemConfig{
			Name:     "Test NVR",
			Timezone: "UTC",
		},
		Cameras: []CameraConfig{},
	}
	cfg.SetPath(configPath)

	cam := CameraConfig{
		UUID:      "cam1",
		ShortName: "Front Door",
		Main: StreamConfig{
			URL:    "rtsp://192.168.1.100:554/stream",
			Record: true,
		},
	}

	err := cfg.UpsertCamera(cam)
	if err != nil {
		t.Fatalf("Failed to upsert camera: %v", err)
	}

	if len(cfg.Cameras) != 1 {
		t.Errorf("Expected 1 camera, got %d", len(cfg.Cameras))
	}

	retrieved := cfg.GetCamera("cam1")
	if retrieved == nil {
		t.Fatal("GetCamera returned nil for existing camera")
	}
	if retrieved.ShortName != "Front Door" {
		t.Errorf("Expected name 'Front Door', got '%s'", retrieved.ShortName)
	}

	nonExistent := cfg.GetCamera("nonexistent")
	if nonExistent != nil {
		t.Error("GetCamera should return nil for non-existent camera")
	}

	cam.ShortName = "Back Door"
	err = cfg.UpsertCamera(cam)
	if err != nil {
		t.Fatalf("Failed to update camera: %v", err)
	}

	if len(cfg.Cameras) != 1 {
		t.Errorf("Expected 1 camera after update, got %d", len(cfg.Cameras))
	}

	retrieved = cfg.GetCamera("cam1")
	if retrieved.ShortName != "Back Door" {
		t.Errorf("Expected updated name 'Back Door', got '%s'", retrieved.ShortName)
	}

	err = cfg.RemoveCamera("cam1")
	if err != nil {
		t.Fatalf("Failed to remove camera: %v", err)
	}

	if len(cfg.Cameras) != 0 {
		t.Errorf("Expected 0 cameras after removal, got %d", len(cfg.Cameras))
	}

	err = cfg.RemoveCamera("nonexistent")
	if err == nil {
		t.Error("Expected error when removing non-existent camera")
	}
}

func TestOnChange(t *testing.T) {
	cfg := &Config{}

	callCount := 0
	cfg.OnChange(func(c *Config) {
		callCount++
	})

	if len(cfg.watchers) != 1 {
		t.Errorf("Expected 1 watcher, got %d", len(cfg.watchers))
	}
}

func TestCameraConfigShape(t *testing.T) {
	cam := CameraConfig{
		UUID:      "test_cam",
		ShortName: "Test Camera",
		Main: StreamConfig{
			URL:      "rtsp://192.168.1.100:554/stream",
			Username: "admin",
			Password: "password",
			Record:   true,
		},
		Sub: &StreamConfig{
			URL: "rtsp://192.168.1.100:554/substream",
		},
	}

	if cam.UUID != "test_cam" {
		t.Errorf("Expected UUID 'test_cam', got '%s'", cam.UUID)
	}

	if cam.Main.URL != "rtsp://192.168.1.100:554/stream" {
		t.Errorf("Unexpected stream URL: %s", cam.Main.URL)
	}

	if cam.Sub == nil || cam.Sub.URL != "rtsp://192.168.1.100:554/substream" {
		t.Errorf("Unexpected sub stream: %+v", cam.Sub)
	}
}

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.setDefaults()

	if cfg.Version != "1.0" {
		t.Errorf("Expected default version '1.0', got '%s'", cfg.Version)
	}
	if cfg.System.Timezone != "UTC" {
		t.Errorf("Expected default timezone 'UTC', got '%s'", cfg.System.Timezone)
	}
	if cfg.System.Database.Path != "/var/lib/nvrcore/db" {
		t.Errorf("Expected default database path '/var/lib/nvrcore/db', got '%s'", cfg.System.Database.Path)
	}
	if cfg.System.Logging.Level != "info" {
		t.Errorf("Expected default logging level 'info', got '%s'", cfg.System.Logging.Level)
	}
	if cfg.System.Logging.Format != "text" {
		t.Errorf("Expected default logging format 'text', got '%s'", cfg.System.Logging.Format)
	}
	if cfg.System.RetentionCheckSeconds != 60 {
		t.Errorf("Expected default retention check seconds 60, got %d", cfg.System.RetentionCheckSeconds)
	}
	if cfg.System.SyncerFlushSeconds != 5 {
		t.Errorf("Expected default syncer flush seconds 5, got %d", cfg.System.SyncerFlushSeconds)
	}
}

func TestSetDefaultsDoesNotOverwrite(t *testing.T) {
	cfg := &Config{
		Version: "2.0",
		System: SystemConfig{
			Timezone: "America/New_York",
			Database: DatabaseConfig{
				Path: "/custom/db",
			},
			Logging: LoggingConfig{
				Level: "debug",
			},
			RetentionCheckSeconds: 30,
			SyncerFlushSeconds:    2,
		},
	}
	cfg.setDefaults()

	if cfg.Version != "2.0" {
		t.Errorf("Version was overwritten, got '%s'", cfg.Version)
	}
	if cfg.System.Timezone != "America/New_York" {
		t.Errorf("Timezone was overwritten, got '%s'", cfg.System.Timezone)
	}
	if cfg.System.Database.Path != "/custom/db" {
		t.Errorf("Database.Path was overwritten, got '%s'", cfg.System.Database.Path)
	}
	if cfg.System.Logging.Level != "debug" {
		t.Errorf("Logging.Level was overwritten, got '%s'", cfg.System.Logging.Level)
	}
	if cfg.System.RetentionCheckSeconds != 30 {
		t.Errorf("RetentionCheckSeconds was overwritten, got %d", cfg.System.RetentionCheckSeconds)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	invalidContent := `
version: "1.0"
  bad indentation
cameras: []
`
	err := os.WriteFile(configPath, []byte(invalidContent), 0644)
	if err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err = Load(configPath)
	if err == nil {
		t.Error("Expected error when loading invalid YAML")
	}
}

func TestGetPath(t *testing.T) {
	cfg := &Config{}
	cfg.SetPath("/custom/path/config.yaml")

	path := cfg.GetPath()
	if path != "/custom/path/config.yaml" {
		t.Errorf("Expected path '/custom/path/config.yaml', got '%s'", path)
	}
}

func TestLoadWithCameras(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
version: "1.0"
system:
  name: "Test NVR"
cameras:
  - uuid: "cam1"
    short_name: "Front Door"
    main:
      url: "rtsp://192.168.1.100:554/stream"
      record: true
      username: "admin"
      password: "test123"
  - uuid: "cam2"
    short_name: "Back Door"
    main:
      url: "rtsp://192.168.1.101:554/stream"
      record: false
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if len(cfg.Cameras) != 2 {
		t.Errorf("Expected 2 cameras, got %d", len(cfg.Cameras))
	}

	cam1 := cfg.GetCamera("cam1")
	if cam1 == nil {
		t.Fatal("Camera cam1 not found")
	}
	if cam1.ShortName != "Front Door" {
		t.Errorf("Expected name 'Front Door', got '%s'", cam1.ShortName)
	}
	if !cam1.Main.Record {
		t.Error("Camera cam1's main stream should have record enabled")
	}
}

func TestConfigTypes(t *testing.T) {
	_ = SystemConfig{}
	_ = DatabaseConfig{}
	_ = LoggingConfig{}
	_ = SampleFileDirConfig{}
	_ = CameraConfig{}
	_ = StreamConfig{}
}

func TestFullConfigYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
version: "1.0"
system:
  name: "Full Test NVR"
  timezone: "America/Los_Angeles"
  database:
    path: "/data/recordings/nvr.db"
  logging:
    level: "debug"
    format: "json"
  retention_check_seconds: 30
  syncer_flush_seconds: 2
sample_file_dirs:
  - id: 1
    path: "/data/recordings/dir0"
    uuid: "11111111-1111-1111-1111-111111111111"
cameras:
  - uuid: "garage"
    short_name: "Garage Camera"
    description: "North side of garage"
    main:
      url: "rtsp://192.168.1.50:554/Streaming/Channels/101"
      record: true
      sample_file_dir_id: 1
      retain_bytes: 107374182400
      username: "admin"
      password: "campass"
    sub:
      url: "rtsp://192.168.1.50:554/Streaming/Channels/102"
      record: true
      sample_file_dir_id: 1
      retain_bytes: 10737418240
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.System.Name != "Full Test NVR" {
		t.Errorf("Expected system name 'Full Test NVR', got '%s'", cfg.System.Name)
	}
	if cfg.System.Database.Path != "/data/recordings/nvr.db" {
		t.Errorf("Expected database path '/data/recordings/nvr.db', got '%s'", cfg.System.Database.Path)
	}
	if cfg.System.Logging.Format != "json" {
		t.Errorf("Expected logging format 'json', got '%s'", cfg.System.Logging.Format)
	}

	if len(cfg.SampleFileDirs) != 1 {
		t.Fatalf("Expected 1 sample file dir, got %d", len(cfg.SampleFileDirs))
	}
	if cfg.SampleFileDirs[0].Path != "/data/recordings/dir0" {
		t.Errorf("Expected sample file dir path '/data/recordings/dir0', got '%s'", cfg.SampleFileDirs[0].Path)
	}

	if len(cfg.Cameras) != 1 {
		t.Errorf("Expected 1 camera, got %d", len(cfg.Cameras))
	}
	cam := cfg.GetCamera("garage")
	if cam == nil {
		t.Fatal("Camera 'garage' not found")
	}
	if cam.Description != "North side of garage" {
		t.Errorf("Expected description 'North side of garage', got '%s'", cam.Description)
	}
	if cam.Main.RetainBytes != 107374182400 {
		t.Errorf("Expected main retain bytes 107374182400, got %d", cam.Main.RetainBytes)
	}
	if cam.Sub == nil {
		t.Fatal("Expected a sub stream")
	}
	if cam.Sub.RetainBytes != 10737418240 {
		t.Errorf("Expected sub retain bytes 10737418240, got %d", cam.Sub.RetainBytes)
	}
}

func TestEncryptDecrypt(t *testing.T) {
	key := []byte("test-encryption-key-32-bytes!!") // 30 bytes; padded to 32 below
	if len(key) != 32 {
		key = append(key, make([]byte, 32-len(key))...)
	}
	plaintext := "secret password"

	encrypted, err := encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("Encryption failed: %v", err)
	}

	if encrypted == plaintext {
		t.Error("Encrypted text should not equal plaintext")
	}

	decrypted, err := decrypt(key, encrypted)
	if err != nil {
		t.Fatalf("Decryption failed: %v", err)
	}

	if decrypted != plaintext {
		t.Errorf("Expected decrypted '%s', got '%s'", plaintext, decrypted)
	}
}

func TestDecryptInvalidData(t *testing.T) {
	key := []byte("12345678901234567890123456789012") // Exactly 32 bytes

	_, err := decrypt(key, "not-valid-base64!!!")
	if err == nil {
		t.Error("Expected error for invalid base64")
	}

	_, err = decrypt(key, "YWJj") // "abc" in base64
	if err == nil {
		t.Error("Expected error for too short ciphertext")
	}
}

func TestGetEncryptionKey(t *testing.T) {
	originalKey := os.Getenv("NVR_ENCRYPTION_KEY")
	defer os.Setenv("NVR_ENCRYPTION_KEY", originalKey)

	os.Setenv("NVR_ENCRYPTION_KEY", "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8=")
	key := getEncryptionKey()
	if len(key) != 32 {
		t.Errorf("Expected 32-byte key, got %d bytes", len(key))
	}

	os.Setenv("NVR_ENCRYPTION_KEY", "dGVzdA==") // "test" in base64 (4 bytes)
	key = getEncryptionKey()
	if len(key) != 32 {
		t.Errorf("Expected 32-byte default key, got %d bytes", len(key))
	}

	os.Setenv("NVR_ENCRYPTION_KEY", "not-valid-base64!!!")
	key = getEncryptionKey()
	if len(key) != 32 {
		t.Errorf("Expected 32-byte default key, got %d bytes", len(key))
	}

	os.Unsetenv("NVR_ENCRYPTION_KEY")
	key = getEncryptionKey()
	if len(key) != 32 {
		t.Errorf("Expected 32-byte default key, got %d bytes", len(key))
	}
}

func TestLoadWithEncryptedPassword(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
version: "1.0"
system:
  name: "Test NVR"
cameras:
  - uuid: "cam1"
    short_name: "Test Camera"
    main:
      url: "rtsp://192.168.1.100:554/stream"
      password: "plaintext_password"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// Password should remain plaintext after load (only encrypted on save)
	cam := cfg.GetCamera("cam1")
	if cam == nil {
		t.Fatal("Camera not found")
	}
	if cam.Main.Password != "plaintext_password" {
		t.Errorf("Expected plaintext password, got '%s'", cam.Main.Password)
	}
}

func TestSaveCreatesValidFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	cfg := &Config{
		Version: "1.0",
		System: SystemConfig{
			Name:     "Test NVR",
			Timezone: "UTC",
		},
		Cameras: []CameraConfig{
			{
				UUID:      "cam1",
				ShortName: "Test Camera",
				Main: StreamConfig{
					URL:      "rtsp://192.168.1.100:554/stream",
					Password: "secret",
				},
			},
		},
		encKey: []byte("12345678901234567890123456789012"), // Set encryption key for test
	}
	cfg.SetPath(configPath)

	err := cfg.Save()
	if err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Failed to read saved config: %v", err)
	}

	if !strings.Contains(string(data), "# NVR recording engine configuration") {
		t.Error("Saved config should contain header comment")
	}

	if strings.Contains(string(data), "secret") && !strings.Contains(string(data), "encrypted:") {
		t.Error("Password should be encrypted in saved config")
	}
}
