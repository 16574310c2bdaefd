package docstore

// This file wires the three concrete document kinds the control plane
// persists onto the generic Hub: chat sidebar preferences, terminal UI
// state, and studio settings. Field shapes are grounded on the original
// Rust structs (SessionsSidebarPreferences, TerminalUiState) — version and
// updatedAt are always server-assigned in Put and passed through unchanged
// here.

// SidebarPreferencesSeed returns the zero-value sidebar preferences
// document served before any client has ever written one.
func SidebarPreferencesSeed() Document {
	return Document{
		"collapsedDirectoryIds":        encode([]string{}),
		"expandedParentSessionIds":     encode([]string{}),
		"pinnedSessionIds":             encode([]string{}),
		"directoriesPage":              encode(0),
		"sessionRootPageByDirectoryId": encode(map[string]int{}),
		"pinnedSessionsOpen":           encode(false),
		"pinnedSessionsPage":           encode(0),
		"recentSessionsOpen":           encode(false),
		"recentSessionsPage":           encode(0),
		"runningSessionsOpen":          encode(false),
		"runningSessionsPage":          encode(0),
	}
}

// SidebarPreferencesSanitize trims and deduplicates every id list, drops
// blank-keyed page-map entries, and passes booleans/page numbers through
// unchanged.
func SidebarPreferencesSanitize(in Document) Document {
	out := Document{
		"collapsedDirectoryIds":        encode(SanitizeStringList(in["collapsedDirectoryIds"])),
		"expandedParentSessionIds":     encode(SanitizeStringList(in["expandedParentSessionIds"])),
		"pinnedSessionIds":             encode(SanitizeStringList(in["pinnedSessionIds"])),
		"sessionRootPageByDirectoryId": encode(SanitizePageMap(in["sessionRootPageByDirectoryId"])),
	}
	passthroughRawField(in, out, "version")
	passthroughRawField(in, out, "updatedAt")
	passthroughIntField(in, out, "directoriesPage")
	passthroughBoolField(in, out, "pinnedSessionsOpen")
	passthroughIntField(in, out, "pinnedSessionsPage")
	passthroughBoolField(in, out, "recentSessionsOpen")
	passthroughIntField(in, out, "recentSessionsPage")
	passthroughBoolField(in, out, "runningSessionsOpen")
	passthroughIntField(in, out, "runningSessionsPage")
	return out
}

// TerminalStateSeed returns the zero-value terminal UI state document.
func TerminalStateSeed() Document {
	return Document{
		"activeSessionId": encode(nil),
		"sessionIds":      encode([]string{}),
		"sessionMetaById": encode(map[string]any{}),
		"folders":         encode([]any{}),
	}
}

// TerminalStateSanitize trims the session id list and passes through the
// per-session metadata and folder maps as opaque JSON: the upstream
// shape for these nested objects is free-form enough that the control
// plane does not need to understand their internals to persist them
// correctly, only to deduplicate and order the top-level session list.
func TerminalStateSanitize(in Document) Document {
	out := Document{
		"sessionIds": encode(SanitizeStringList(in["sessionIds"])),
	}
	passthroughRawField(in, out, "version")
	passthroughRawField(in, out, "updatedAt")
	if raw, ok := in["activeSessionId"]; ok {
		out["activeSessionId"] = raw
	} else {
		out["activeSessionId"] = encode(nil)
	}
	if raw, ok := in["sessionMetaById"]; ok {
		out["sessionMetaById"] = raw
	} else {
		out["sessionMetaById"] = encode(map[string]any{})
	}
	if raw, ok := in["folders"]; ok {
		out["folders"] = raw
	} else {
		out["folders"] = encode([]any{})
	}
	return out
}

// SettingsSeed returns an empty settings document: opencode-studio does
// not impose a fixed settings schema of its own, it persists whatever
// shape the UI writes.
func SettingsSeed() Document {
	return Document{}
}

// SettingsSanitize copies every field through unchanged, except that the
// tracked-directory list is mirrored: whichever of "directories" or its
// older alias "projects" is present (preferring "directories") is written
// under both keys. No other field is trimmed, deduplicated or validated;
// the full upstream settings schema (theme, keybindings, provider
// credentials, ...) is the UI's concern, so it is stored opaquely.
func SettingsSanitize(in Document) Document {
	out := make(Document, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	raw, ok := in["directories"]
	if !ok {
		raw, ok = in["projects"]
	}
	if ok {
		out["directories"] = raw
		out["projects"] = raw
	}
	return out
}

// SettingsDirectories reads the reconciler's tracked-directory list out of
// a settings document snapshot. The settings schema accepts the list under
// either "directories" or its older alias "projects"; when both are
// present "directories" wins, the same precedence SettingsSanitize uses
// when it mirrors the list (see DESIGN.md's Open Question resolution).
func SettingsDirectories(doc Document) []string {
	if raw, ok := doc["directories"]; ok {
		return SanitizeStringList(raw)
	}
	if raw, ok := doc["projects"]; ok {
		return SanitizeStringList(raw)
	}
	return nil
}

func passthroughRawField(in, out Document, key string) {
	if raw, ok := in[key]; ok {
		out[key] = raw
	}
}

func passthroughIntField(in, out Document, key string) {
	if raw, ok := in[key]; ok {
		out[key] = raw
	} else {
		out[key] = encode(0)
	}
}

func passthroughBoolField(in, out Document, key string) {
	if raw, ok := in[key]; ok {
		out[key] = raw
	} else {
		out[key] = encode(false)
	}
}
