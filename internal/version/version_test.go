package version

import (
	"runtime/debug"
	"testing"
)

func TestResolve(t *testing.T) {
	t.Parallel()

	withVCS := func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{
			Main: debug.Module{Version: "(devel)"},
			Settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "0123456789abcdef0123"},
				{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			},
		}, true
	}
	none := func() (*debug.BuildInfo, bool) { return nil, false }

	tests := []struct {
		name         string
		ver, commit  string
		read         func() (*debug.BuildInfo, bool)
		want         string
		wantBuildTim string
	}{
		{"ldflags win", "v1.2.0", "abc", withVCS, "v1.2.0 (abc)", "2026-01-02T03:04:05Z"},
		{"vcs fallback", "", "", withVCS, "dev (0123456789ab)", "2026-01-02T03:04:05Z"},
		{"nothing known", "", "", none, "dev", ""},
	}
	for _, tc := range tests {
		info := resolve(tc.ver, tc.commit, "", tc.read)
		if got := info.String(); got != tc.want {
			t.Errorf("%s: String() = %q, want %q", tc.name, got, tc.want)
		}
		if info.BuildTime != tc.wantBuildTim {
			t.Errorf("%s: BuildTime = %q, want %q", tc.name, info.BuildTime, tc.wantBuildTim)
		}
		if info.GoVersion == "" {
			t.Errorf("%s: GoVersion empty", tc.name)
		}
	}
}
