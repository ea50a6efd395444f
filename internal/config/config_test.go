package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaultsWithoutFile(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("无法切换目录: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("加载默认配置失败: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.TickIntervalMs != 1000 {
		t.Errorf("默认值不符: %+v", cfg)
	}
	if cfg.CompletionRule != DefaultCompletionRule {
		t.Errorf("预期默认完工规则, 得到 %q", cfg.CompletionRule)
	}
	if len(cfg.Stations) != 1 || cfg.Stations[0] != "ST-01" {
		t.Errorf("默认工站不符: %v", cfg.Stations)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mes.yaml")
	content := `
listen_addr: ":9000"
db_path: "/tmp/plant.db"
tick_interval_ms: 250
stations: ["TORNO-1", "FRESA-2"]
quality:
  remote_endpoint: "http://quality:9090"
  timeout_ms: 1500
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.ListenAddr != ":9000" || cfg.DBPath != "/tmp/plant.db" || cfg.TickIntervalMs != 250 {
		t.Errorf("文件值未生效: %+v", cfg)
	}
	if len(cfg.Stations) != 2 || cfg.Stations[1] != "FRESA-2" {
		t.Errorf("工站列表不符: %v", cfg.Stations)
	}
	if cfg.Quality.RemoteEndpoint != "http://quality:9090" || cfg.Quality.TimeoutMs != 1500 {
		t.Errorf("质检配置不符: %+v", cfg.Quality)
	}
	if cfg.JournalPath != "sessions.wal" {
		t.Errorf("未设置的字段应使用默认值, 得到 %q", cfg.JournalPath)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mes.yaml")
	if err := os.WriteFile(path, []byte("db_path: file.db\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MES_DB_PATH", "env.db")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.DBPath != "env.db" {
		t.Errorf("环境变量应覆盖文件值, 得到 %q", cfg.DBPath)
	}
}

func TestLoadConfigRejectsBadTick(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mes.yaml")
	if err := os.WriteFile(path, []byte("tick_interval_ms: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("tick_interval_ms 为 0 时应返回错误")
	}
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("显式指定的文件不存在时应返回错误")
	}
}
