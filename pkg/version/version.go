package version

import (
	"fmt"
)

// Tag and GitCommit are set at build time with -ldflags "-X".
var (
	Tag       = "v0.0.0-dev"
	GitCommit = "HEAD"
)

type Version struct {
	Tag    string `json:"tag,omitempty"`
	Commit string `json:"commit,omitempty"`
}

func (v Version) String() string {
	if len(v.Commit) > 7 {
		return fmt.Sprintf("%s (%s)", v.Tag, v.Commit[:7])
	}
	return fmt.Sprintf("%s (%s)", v.Tag, v.Commit)
}

func Get() Version {
	return Version{
		Tag:    Tag,
		Commit: GitCommit,
	}
}
