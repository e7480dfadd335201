package shellenv

import (
	"context"
	"fmt"
	"strings"

	"github.com/g960059/muxdock/internal/model"
	"github.com/g960059/muxdock/internal/secret"
)

// EnvPrefix namespaces all identity and tag variables injected into shells.
const EnvPrefix = "MUXDOCK"

// Fixed terminal-capability variables applied before identity and user
// variables. Later layers override earlier ones.
var terminalCapabilityVars = map[string]string{
	"TERM":      "xterm-256color",
	"COLORTERM": "truecolor",
	"LANG":      "en_US.UTF-8",
}

// BuildInput carries everything needed to assemble a launch environment.
type BuildInput struct {
	Inherited  []string
	Entity     model.Entity
	Backend    model.BackendKind
	GlobalVars []model.EnvVar
	Secrets    secret.Resolver
}

// Build assembles the merged launch environment in layering order:
// inherited, terminal capabilities, entity identity, tag-derived variables,
// global user variables, entity user variables. Secret values that fail to
// resolve are omitted.
func Build(ctx context.Context, in BuildInput) []string {
	merged := make(map[string]string, len(in.Inherited)+16)
	order := make([]string, 0, len(in.Inherited)+16)
	set := func(key, value string) {
		key = strings.TrimSpace(key)
		if key == "" {
			return
		}
		if _, seen := merged[key]; !seen {
			order = append(order, key)
		}
		merged[key] = value
	}

	for _, entry := range in.Inherited {
		idx := strings.IndexByte(entry, '=')
		if idx <= 0 {
			continue
		}
		set(entry[:idx], entry[idx+1:])
	}
	for key, value := range terminalCapabilityVars {
		set(key, value)
	}
	set(EnvPrefix+"_ENTITY_ID", in.Entity.ID)
	set(EnvPrefix+"_BACKEND", string(in.Backend))
	if in.Entity.Title != "" {
		set(EnvPrefix+"_TITLE", in.Entity.Title)
	}
	if in.Entity.Description != "" {
		set(EnvPrefix+"_DESCRIPTION", in.Entity.Description)
	}
	for _, tag := range in.Entity.Tags {
		key := SanitizeEnvKey(tag)
		if key == "" {
			continue
		}
		set(EnvPrefix+"_TAG_"+key, tag)
	}
	applyVars(ctx, set, in.Entity.ID, in.GlobalVars, in.Secrets)
	applyVars(ctx, set, in.Entity.ID, in.Entity.EnvVars, in.Secrets)

	out := make([]string, 0, len(order))
	for _, key := range order {
		out = append(out, fmt.Sprintf("%s=%s", key, merged[key]))
	}
	return out
}

func applyVars(ctx context.Context, set func(key, value string), entityID string, vars []model.EnvVar, secrets secret.Resolver) {
	for _, v := range vars {
		key := strings.TrimSpace(v.Key)
		if key == "" {
			continue
		}
		if !v.Secret {
			set(key, v.Value)
			continue
		}
		if secrets == nil {
			continue
		}
		value, err := secrets.Resolve(ctx, entityID, v.VarID)
		if err != nil {
			// Unresolvable secrets are omitted, not fatal.
			continue
		}
		set(key, value)
	}
}

// Filter returns base without the named keys. The multiplexer manages its
// own terminal-type and pane variables; they must not leak into sessions it
// creates.
func Filter(base []string, removeKeys ...string) []string {
	if len(base) == 0 {
		return []string{}
	}
	removeSet := make(map[string]struct{}, len(removeKeys))
	for _, key := range removeKeys {
		trimmed := strings.TrimSpace(key)
		if trimmed == "" {
			continue
		}
		removeSet[trimmed] = struct{}{}
	}
	out := make([]string, 0, len(base))
	for _, entry := range base {
		if entry == "" {
			continue
		}
		key := entry
		if idx := strings.IndexByte(entry, '='); idx >= 0 {
			key = entry[:idx]
		}
		if _, drop := removeSet[key]; drop {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// DirectCommand builds the argv for a direct-backend launch. A
// non-interactive interpreter performs the directory change and replaces
// itself with the login shell, so the emulator never shows the cd.
func DirectCommand(shellPath, workingDir string) []string {
	script := fmt.Sprintf("cd %s && exec %s -l", SingleQuote(workingDir), SingleQuote(shellPath))
	return []string{"/bin/sh", "-c", script}
}

// SubstituteInitTokens expands {dir} and {id} in an init-command template.
// Values are escaped for the template's double-quoted context.
func SubstituteInitTokens(command, workingDir, entityID string) string {
	replacer := strings.NewReplacer(
		"{dir}", DoubleQuoteValue(workingDir),
		"{id}", DoubleQuoteValue(entityID),
	)
	return replacer.Replace(command)
}
