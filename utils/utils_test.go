package utils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseFlagsFrom(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    Flags
		wantErr bool
	}{
		{
			name: "static member",
			args: []string{"-id", "1", "-config", "cluster.toml", "-log-level", "debug"},
			want: Flags{NodeID: 1, ConfigPath: "cluster.toml", LogLevel: "debug"},
		},
		{
			name: "joining member",
			args: []string{"-id", "3", "-config", "cluster.toml", "-addr", "localhost:8003,localhost:9003", "-join", "localhost:8000"},
			want: Flags{NodeID: 3, ConfigPath: "cluster.toml", NodeAddress: "localhost:8003,localhost:9003", JoinAddress: "localhost:8000"},
		},
		{name: "missing id", args: []string{"-config", "cluster.toml"}, wantErr: true},
		{name: "missing config", args: []string{"-id", "1"}, wantErr: true},
		{name: "join without addr", args: []string{"-id", "3", "-config", "c.toml", "-join", "localhost:8000"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFlagsFrom(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseFlagsFrom failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("flags = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestLoadTOMLConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.toml")
	data := `
cluster_dir = "/var/lib/cluster"
election_timeout = "1s"

[[nodes]]
id = 0
address = "localhost:9000"
unknown_key = true
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	var cfg struct {
		ClusterDir      string `toml:"cluster_dir"`
		ElectionTimeout string `toml:"election_timeout"`
		Nodes           []struct {
			ID      int    `toml:"id"`
			Address string `toml:"address"`
		} `toml:"nodes"`
	}
	if err := LoadTOMLConfig(path, &cfg); err != nil {
		t.Fatalf("LoadTOMLConfig failed: %v", err)
	}
	if cfg.ClusterDir != "/var/lib/cluster" || len(cfg.Nodes) != 1 || cfg.Nodes[0].Address != "localhost:9000" {
		t.Errorf("config = %+v", cfg)
	}

	missing := filepath.Join(t.TempDir(), "missing.toml")
	err := LoadTOMLConfig(missing, &cfg)
	if err == nil {
		t.Fatal("expected error for a missing file")
	}
	if !strings.Contains(err.Error(), missing) {
		t.Errorf("error %q does not name the file", err)
	}
}

func TestRemoveSliceElementInPlace(t *testing.T) {
	ids := []int32{1, 2, 3, 2}
	RemoveSliceElementInPlace(&ids, 2)
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Errorf("ids = %v", ids)
	}
}
