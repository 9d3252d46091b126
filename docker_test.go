package inboxsync_test

import (
	"os"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

type composeFile struct {
	Services map[string]struct {
		Image    string   `yaml:"image"`
		Command  []string `yaml:"command"`
		Networks []string `yaml:"networks"`
	} `yaml:"services"`
	Networks map[string]*struct {
		Internal bool `yaml:"internal"`
	} `yaml:"networks"`
}

func readCompose(t *testing.T) composeFile {
	t.Helper()
	data, err := os.ReadFile("docker-compose.yml")
	if err != nil {
		t.Fatalf("failed to read docker-compose.yml: %v", err)
	}
	var cf composeFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		t.Fatalf("docker-compose.yml is not valid YAML: %v", err)
	}
	return cf
}

func TestDockerfileMultiStageBuild(t *testing.T) {
	data, err := os.ReadFile("Dockerfile")
	if err != nil {
		t.Fatalf("failed to read Dockerfile: %v", err)
	}
	content := string(data)

	// マルチステージビルドの確認: ビルドステージと実行ステージが存在すること
	if !strings.Contains(content, "FROM golang:") {
		t.Error("Dockerfile should contain a Go builder stage (FROM golang:)")
	}

	// 最終ステージは軽量イメージであること
	var lastFrom string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "FROM ") {
			lastFrom = trimmed
		}
	}
	if !strings.Contains(lastFrom, "gcr.io/distroless") && !strings.Contains(lastFrom, "alpine") && !strings.Contains(lastFrom, "scratch") {
		t.Errorf("final stage should use a minimal base image (distroless/alpine/scratch), got: %s", lastFrom)
	}

	if !strings.Contains(content, "./cmd/inboxsync") || !strings.Contains(content, "ENTRYPOINT") {
		t.Error("Dockerfile should build and run the inboxsync binary")
	}
	if !strings.Contains(content, "healthcheck") {
		t.Error("Dockerfile should probe the healthcheck subcommand")
	}
}

func TestDockerComposeServices(t *testing.T) {
	cf := readCompose(t)

	for _, name := range []string{"api", "db"} {
		if _, ok := cf.Services[name]; !ok {
			t.Errorf("docker-compose.yml should contain service %q", name)
		}
	}
	if img := cf.Services["db"].Image; !strings.HasPrefix(img, "postgres:") {
		t.Errorf("db image = %q, want postgres", img)
	}
	if cmd := cf.Services["api"].Command; len(cmd) == 0 || cmd[0] != "serve" {
		t.Errorf("api command = %v, want serve", cmd)
	}
}

func TestDockerComposeNetworks(t *testing.T) {
	cf := readCompose(t)

	// DBは外部に出られない内部ネットワークのみに置く
	backend, ok := cf.Networks["backend"]
	if !ok || backend == nil || !backend.Internal {
		t.Error("docker-compose.yml should define backend as an internal network")
	}
	if nets := cf.Services["db"].Networks; len(nets) != 1 || nets[0] != "backend" {
		t.Errorf("db networks = %v, want [backend]", nets)
	}

	// フィード取得のためapiだけがegressに接続する
	if !contains(cf.Services["api"].Networks, "egress") {
		t.Errorf("api networks = %v, want egress", cf.Services["api"].Networks)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
