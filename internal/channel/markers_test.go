package channel

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseMediaMarkers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want []MediaMarker
	}{
		{
			name: "tagged image",
			text: "chart:\n![image](/tmp/chart.png)",
			want: []MediaMarker{{Type: MarkerImage, Path: "/tmp/chart.png", Original: "![image](/tmp/chart.png)"}},
		},
		{
			name: "tagged with name",
			text: "![file:Q3 report.pdf](~/out/report.pdf) attached",
			want: []MediaMarker{{Type: MarkerFile, Path: "~/out/report.pdf", Name: "Q3 report.pdf", Original: "![file:Q3 report.pdf](~/out/report.pdf)"}},
		},
		{
			name: "untagged image syntax keeps alt as name",
			text: "![sunset](file:///home/me/a.jpg)",
			want: []MediaMarker{{Path: "file:///home/me/a.jpg", Name: "sunset", Original: "![sunset](file:///home/me/a.jpg)"}},
		},
		{
			name: "named link",
			text: "see [report.pdf](~/report.pdf).",
			want: []MediaMarker{{Path: "~/report.pdf", Name: "report.pdf", Original: "[report.pdf](~/report.pdf)"}},
		},
		{
			name: "angle bracket path with spaces",
			text: "![video](</tmp/my clip.mp4>)",
			want: []MediaMarker{{Type: MarkerVideo, Path: "/tmp/my clip.mp4", Original: "![video](</tmp/my clip.mp4>)"}},
		},
		{
			name: "remote links ignored",
			text: "[docs](https://example.com/a.pdf) and ![logo](http://x/y.png)",
			want: nil,
		},
		{
			name: "unrelated brackets ignored",
			text: "array[0] (note) [x] (y) f(a)[b]",
			want: nil,
		},
		{
			name: "site-relative links stay text",
			text: "See [the API reference](/api/v1/users) and ![diagram](/docs/arch) for details.",
			want: nil,
		},
		{
			name: "named absolute file link",
			text: "[Q3](/srv/out/q3.pdf)",
			want: []MediaMarker{{Path: "/srv/out/q3.pdf", Name: "Q3", Original: "[Q3](/srv/out/q3.pdf)"}},
		},
		{
			name: "tagged marker needs no extension",
			text: "![file:notes](/tmp/notes)",
			want: []MediaMarker{{Type: MarkerFile, Path: "/tmp/notes", Name: "notes", Original: "![file:notes](/tmp/notes)"}},
		},
		{
			name: "multiple markers",
			text: "a ![image](/a.png) b ![audio](/b.mp3) c",
			want: []MediaMarker{
				{Type: MarkerImage, Path: "/a.png", Original: "![image](/a.png)"},
				{Type: MarkerAudio, Path: "/b.mp3", Original: "![audio](/b.mp3)"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ParseMediaMarkers(tt.text)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d markers, got %d: %+v", len(tt.want), len(got), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("marker %d: expected %+v, got %+v", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestStripMediaMarkersLeavesSurroundingText(t *testing.T) {
	t.Parallel()

	parts := []string{"Intro ", " middle\n", " end [not a marker] (x)"}
	markers := []string{"![image](/tmp/a.png)", "[b.pdf](~/b.pdf)"}
	text := parts[0] + markers[0] + parts[1] + markers[1] + parts[2]

	parsed := ParseMediaMarkers(text)
	if len(parsed) != 2 {
		t.Fatalf("expected 2 markers, got %d", len(parsed))
	}
	if got, want := StripMediaMarkers(text, parsed), strings.Join(parts, ""); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestStripMediaMarkersTotal(t *testing.T) {
	t.Parallel()

	inputs := []string{"", "](", "![", "![image](", "![image]()", "[]()", "![](/)", "(((]]]", "![image](/a.png"}
	for _, in := range inputs {
		markers := ParseMediaMarkers(in)
		_ = StripMediaMarkers(in, markers)
	}
}

func TestTidyTextCollapsesBlankRuns(t *testing.T) {
	t.Parallel()

	got := tidyText("Hello\n\n\n\nWorld  \n\n")
	if got != "Hello\n\nWorld" {
		t.Fatalf("unexpected tidy result %q", got)
	}
}

func TestResolveLocalPath(t *testing.T) {
	t.Parallel()

	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	tests := []struct {
		in   string
		want string
	}{
		{in: "/tmp/a.png", want: "/tmp/a.png"},
		{in: "~/out.pdf", want: filepath.Join(home, "out.pdf")},
		{in: "file:///tmp/my%20file.txt", want: "/tmp/my file.txt"},
	}
	for _, tt := range tests {
		got, err := ResolveLocalPath(tt.in)
		if err != nil {
			t.Fatalf("resolve %q: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("resolve %q: expected %q, got %q", tt.in, tt.want, got)
		}
	}
}

func TestClassifyMedia(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	pngPath := filepath.Join(dir, "noext")
	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}
	if err := os.WriteFile(pngPath, png, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tests := []struct {
		path string
		want MarkerType
	}{
		{path: "/x/a.JPG", want: MarkerImage},
		{path: "/x/a.mov", want: MarkerVideo},
		{path: "/x/a.m4a", want: MarkerAudio},
		{path: "/x/a.pdf", want: MarkerFile},
		{path: pngPath, want: MarkerImage},
	}
	for _, tt := range tests {
		if got := ClassifyMedia(tt.path); got != tt.want {
			t.Fatalf("classify %q: expected %s, got %s", tt.path, tt.want, got)
		}
	}
}

func TestDetectRenderHint(t *testing.T) {
	t.Parallel()

	if DetectRenderHint("plain words only") != RenderPlain {
		t.Fatal("expected plain")
	}
	for _, in := range []string{"**bold**", "line1\nline2", "# title", "`code`"} {
		if DetectRenderHint(in) != RenderMarkdown {
			t.Fatalf("expected markdown for %q", in)
		}
	}
}
