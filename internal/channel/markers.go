package channel

import (
	"path"
	"regexp"
	"strings"
)

// markerPattern matches markdown image and link syntax. Whether a match is a
// media marker is decided by the link target, which must be a local path.
var markerPattern = regexp.MustCompile(`(!?)\[([^\[\]\n]*)\]\(\s*(<[^<>\n]+>|[^\s()<>]+)\s*\)`)

// ParseMediaMarkers extracts media markers from reply text, in order of appearance.
//
// Accepted forms:
//
//	![image](/abs/chart.png)        tagged: image, video, audio, file
//	![file:report.pdf](~/out.pdf)   tagged with a display name
//	![caption](file:///tmp/a.jpg)   untagged image syntax, type from extension
//	[report.pdf](~/out/report.pdf)  named link, type from extension
//	[report](/abs/out/report.pdf)   absolute paths need a file extension
//
// Links whose target is not a local path (http URLs, anchors) are ignored.
func ParseMediaMarkers(text string) []MediaMarker {
	if !strings.Contains(text, "](") {
		return nil
	}
	matches := markerPattern.FindAllStringSubmatch(text, -1)
	markers := make([]MediaMarker, 0, len(matches))
	for _, m := range matches {
		bang, label, target := m[1], strings.TrimSpace(m[2]), strings.TrimSpace(m[3])
		target = strings.TrimSuffix(strings.TrimPrefix(target, "<"), ">")
		if !isLocalPath(target) {
			continue
		}
		marker := MediaMarker{Path: target, Original: m[0]}
		if bang != "" {
			marker.Type, marker.Name = parseMarkerLabel(label)
		} else {
			marker.Name = label
		}
		// Untagged site-relative links such as [docs](/api/v1/users) are
		// ordinary links unless the target names a file.
		if marker.Type == "" && strings.HasPrefix(target, "/") && !hasFileExtension(target) {
			continue
		}
		markers = append(markers, marker)
	}
	return markers
}

// StripMediaMarkers removes each marker's original text from text and returns
// the surrounding text unchanged.
func StripMediaMarkers(text string, markers []MediaMarker) string {
	for _, marker := range markers {
		if marker.Original == "" {
			continue
		}
		text = strings.Replace(text, marker.Original, "", 1)
	}
	return text
}

// tidyText collapses the blank runs left behind by stripped markers.
func tidyText(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func parseMarkerLabel(label string) (MarkerType, string) {
	kind, name, _ := strings.Cut(label, ":")
	switch MarkerType(strings.ToLower(strings.TrimSpace(kind))) {
	case MarkerImage:
		return MarkerImage, strings.TrimSpace(name)
	case MarkerVideo:
		return MarkerVideo, strings.TrimSpace(name)
	case MarkerAudio:
		return MarkerAudio, strings.TrimSpace(name)
	case MarkerFile:
		return MarkerFile, strings.TrimSpace(name)
	}
	return "", label
}

func isLocalPath(target string) bool {
	switch {
	case strings.HasPrefix(target, "file://"):
		return len(target) > len("file://")
	case strings.HasPrefix(target, "~/"):
		return len(target) > 2
	case strings.HasPrefix(target, "/"):
		return len(target) > 1 && !strings.HasPrefix(target, "//")
	}
	return false
}

func hasFileExtension(target string) bool {
	ext := path.Ext(strings.TrimRight(target, "/"))
	return len(ext) > 1 && !strings.HasSuffix(target, "/")
}
