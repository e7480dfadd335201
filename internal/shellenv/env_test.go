package shellenv

import (
	"context"
	"strings"
	"testing"

	"github.com/g960059/muxdock/internal/model"
	"github.com/g960059/muxdock/internal/secret"
)

func envMap(t *testing.T, entries []string) map[string]string {
	t.Helper()
	out := map[string]string{}
	for _, entry := range entries {
		idx := strings.IndexByte(entry, '=')
		if idx <= 0 {
			t.Fatalf("malformed env entry: %q", entry)
		}
		out[entry[:idx]] = entry[idx+1:]
	}
	return out
}

func TestBuildLayeringOrder(t *testing.T) {
	ent := model.Entity{
		ID:      "ab12cd34-0000-0000-0000-000000000000",
		Title:   "build service",
		Tags:    []string{"team-infra", "prod"},
		Backend: model.BackendControl,
		EnvVars: []model.EnvVar{{Key: "EDITOR", Value: "nvim"}},
	}
	env := Build(context.Background(), BuildInput{
		Inherited:  []string{"PATH=/usr/bin", "EDITOR=vi", "TERM=dumb"},
		Entity:     ent,
		Backend:    model.BackendControl,
		GlobalVars: []model.EnvVar{{Key: "EDITOR", Value: "vim"}, {Key: "PAGER", Value: "less"}},
	})
	got := envMap(t, env)

	if got["PATH"] != "/usr/bin" {
		t.Fatalf("inherited PATH lost: %q", got["PATH"])
	}
	// Terminal capabilities override inherited values.
	if got["TERM"] != "xterm-256color" {
		t.Fatalf("TERM = %q, want xterm-256color", got["TERM"])
	}
	if got[EnvPrefix+"_ENTITY_ID"] != ent.ID {
		t.Fatalf("entity id var missing: %q", got[EnvPrefix+"_ENTITY_ID"])
	}
	if got[EnvPrefix+"_BACKEND"] != "control" {
		t.Fatalf("backend var = %q", got[EnvPrefix+"_BACKEND"])
	}
	if got[EnvPrefix+"_TAG_TEAM_INFRA"] != "team-infra" || got[EnvPrefix+"_TAG_PROD"] != "prod" {
		t.Fatalf("tag vars missing: %#v", got)
	}
	// Entity scope overrides global scope which overrides inherited.
	if got["EDITOR"] != "nvim" {
		t.Fatalf("EDITOR = %q, want nvim", got["EDITOR"])
	}
	if got["PAGER"] != "less" {
		t.Fatalf("PAGER = %q, want less", got["PAGER"])
	}
}

func TestBuildOmitsUnresolvableSecrets(t *testing.T) {
	ent := model.Entity{
		ID: "ent-1",
		EnvVars: []model.EnvVar{
			{Key: "API_TOKEN", Secret: true, VarID: "var-token"},
			{Key: "DB_PASS", Secret: true, VarID: "var-missing"},
		},
	}
	secrets := secret.NewStaticResolver(map[string]string{
		secret.Key("ent-1", "var-token"): "s3cr3t",
	})
	env := Build(context.Background(), BuildInput{Entity: ent, Backend: model.BackendDirect, Secrets: secrets})
	got := envMap(t, env)
	if got["API_TOKEN"] != "s3cr3t" {
		t.Fatalf("resolved secret missing: %#v", got)
	}
	if _, present := got["DB_PASS"]; present {
		t.Fatalf("unresolvable secret should be omitted, got %q", got["DB_PASS"])
	}
}

func TestBuildWithoutResolverOmitsSecrets(t *testing.T) {
	ent := model.Entity{
		ID:      "ent-2",
		EnvVars: []model.EnvVar{{Key: "TOKEN", Secret: true, VarID: "v"}},
	}
	env := Build(context.Background(), BuildInput{Entity: ent, Backend: model.BackendDirect})
	if _, present := envMap(t, env)["TOKEN"]; present {
		t.Fatalf("secret leaked without resolver")
	}
}

func TestFilterDropsManagedKeys(t *testing.T) {
	base := []string{
		"PATH=/usr/bin",
		"TMUX=/tmp/tmux-1000/default,1234,0",
		"TMUX_PANE=%6",
		"HOME=/home/tester",
	}
	got := Filter(base, "TMUX", "TMUX_PANE")
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %#v", got)
	}
	for _, entry := range got {
		if strings.HasPrefix(entry, "TMUX") {
			t.Fatalf("managed key survived filter: %q", entry)
		}
	}
}
