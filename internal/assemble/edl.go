package assemble

import (
	"fmt"
	"io"
	"math"
	"strings"
)

// EDL renders the manifest as a CMX3600 edit decision list. Each scene is
// one event; source in/out are the scene's position in the original video.
func (m *Manifest) EDL() string {
	fps := int(math.Round(m.FrameRate))
	if fps <= 0 {
		fps = 30
	}

	isDropFrame := math.Abs(m.FrameRate-29.97) < 0.01 || math.Abs(m.FrameRate-59.94) < 0.01

	title := m.Title
	if title == "" {
		title = m.JobID
	}
	lines := []string{fmt.Sprintf("TITLE: %s", title)}
	if isDropFrame {
		lines = append(lines, "FCM: DROP FRAME")
	} else {
		lines = append(lines, "FCM: NON-DROP FRAME")
	}
	lines = append(lines, "")

	recordOffsetMs := 0
	for _, e := range m.Entries {
		startMs := secondsToMs(e.Start)
		endMs := secondsToMs(e.End)
		durationMs := endMs - startMs

		lines = append(lines,
			fmt.Sprintf("%03d  %-8s %-5s C        %s %s %s %s", e.Index, "AX", "V",
				msToTimecode(startMs, fps), msToTimecode(endMs, fps),
				msToTimecode(recordOffsetMs, fps), msToTimecode(recordOffsetMs+durationMs, fps)),
			fmt.Sprintf("* FROM CLIP NAME:  %s", e.DisplayName),
		)
		recordOffsetMs += durationMs
	}

	lines = append(lines, "")
	return strings.Join(lines, "\n")
}

// WriteEDL writes EDL() to w.
func (m *Manifest) WriteEDL(w io.Writer) error {
	_, err := io.WriteString(w, m.EDL())
	return err
}

func secondsToMs(s float64) int {
	return int(math.Round(s * 1000))
}

func msToTimecode(ms int, fps int) string {
	totalFrames := int(math.Round(float64(ms) * float64(fps) / 1000.0))
	frames := totalFrames % fps
	totalSeconds := totalFrames / fps
	seconds := totalSeconds % 60
	totalMinutes := totalSeconds / 60
	minutes := totalMinutes % 60
	hours := totalMinutes / 60
	return fmt.Sprintf("%02d:%02d:%02d:%02d", hours, minutes, seconds, frames)
}
