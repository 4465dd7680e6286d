package task

// BuildType classifies a discovered build artifact.
type BuildType string

const (
	BuildTypeDevelopment BuildType = "Dev"
	BuildTypeDebug       BuildType = "Debug"
	BuildTypeShipping    BuildType = "Shipping"
	BuildTypeUnknown     BuildType = "Unknown"
)

// BuildInfo is a snapshot of a discovered build artifact. Immutable once
// constructed; the ymd/version/build-type fields are parsed heuristically
// from the artifact folder name.
type BuildInfo struct {
	Path       string    `json:"path"`
	FolderName string    `json:"folder_name"`
	YMD        string    `json:"ymd"`
	Version    string    `json:"version"`
	BuildType  BuildType `json:"build_type"`
	SizeStr    string    `json:"size_str"`
	SizeBytes  int64     `json:"size_bytes"`
}

// ParseBuildInfo builds a BuildInfo from an artifact folder name. Folder
// names look like "20240801_ver_1.2.3_Development"; unparseable tokens
// fall back to "?" / Unknown rather than failing.
func ParseBuildInfo(path, folderName, sizeStr string, sizeBytes int64) BuildInfo {
	info := BuildInfo{
		Path:       path,
		FolderName: folderName,
		YMD:        "?",
		Version:    "?",
		BuildType:  BuildTypeUnknown,
		SizeStr:    sizeStr,
		SizeBytes:  sizeBytes,
	}

	parts := splitFolderName(folderName)
	if len(parts) >= 1 && parts[0] != "" {
		info.YMD = parts[0]
	}

	if v, ok := tokenAfter(parts, "ver"); ok {
		info.Version = v
	} else if v, ok := tokenAfter(parts, "main"); ok {
		info.Version = v
	}

	switch {
	case contains(parts, "Development"):
		info.BuildType = BuildTypeDevelopment
	case contains(parts, "Debug"):
		info.BuildType = BuildTypeDebug
	case contains(parts, "main"):
		info.BuildType = BuildTypeShipping
	}

	return info
}

func splitFolderName(name string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(name); i++ {
		if i == len(name) || name[i] == '_' {
			parts = append(parts, name[start:i])
			start = i + 1
		}
	}
	return parts
}

func tokenAfter(parts []string, marker string) (string, bool) {
	for i, p := range parts {
		if p == marker && i+1 < len(parts) {
			return parts[i+1], true
		}
	}
	return "", false
}

func contains(parts []string, want string) bool {
	for _, p := range parts {
		if p == want {
			return true
		}
	}
	return false
}
