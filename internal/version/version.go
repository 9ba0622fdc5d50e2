// Package version holds build metadata injected with -ldflags.
package version

import (
	"strconv"
	"strings"
)

var Version = "dev"
var Built = ""
var GitCommit = ""

type Info struct {
	Version   string `json:"version"`
	Major     int    `json:"major"`
	Minor     int    `json:"minor"`
	Patch     int    `json:"patch"`
	Built     string `json:"built,omitempty"`
	GitCommit string `json:"git_commit,omitempty"`
}

// Current parses Version as "[v]major.minor.patch[-suffix]". Anything that
// does not parse leaves the numeric fields at zero.
func Current() Info {
	info := Info{Version: Version, Built: Built, GitCommit: GitCommit}
	core := strings.TrimPrefix(strings.TrimSpace(Version), "v")
	if index := strings.IndexAny(core, "-+"); index >= 0 {
		core = core[:index]
	}
	parts := strings.Split(core, ".")
	if len(parts) != 3 {
		return info
	}
	numbers := make([]int, 3)
	for i, part := range parts {
		parsed, err := strconv.Atoi(part)
		if err != nil || parsed < 0 {
			return info
		}
		numbers[i] = parsed
	}
	info.Major, info.Minor, info.Patch = numbers[0], numbers[1], numbers[2]
	return info
}

func (info Info) String() string {
	text := "projwatch " + info.Version
	if info.GitCommit != "" {
		text += " (" + info.GitCommit + ")"
	}
	if info.Built != "" {
		text += " built " + info.Built
	}
	return text
}
